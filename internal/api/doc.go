// Package api 暴露 PayRelay 的 REST 接口：执行请求、授权管理、订单分账、结算组与中继开关。
// 所有 /api/v1 路由都经过 Bearer 令牌认证，错误统一以 {"error":{"code","message"}} 返回。
package api
