// Package config 负责加载 PayRelay 守护进程的 YAML 配置，支持 ${ENV} 形式的环境变量引用，
// 并为未填写的字段设置默认值。
package config
