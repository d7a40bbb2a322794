package api

import (
	"encoding/json"
	"net/http"

	xerrors "PayRelay/internal/errors"
	"PayRelay/pkg/logger"
)

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.L().Warn("写入响应失败", "error", err)
	}
}

// writeError 按错误码输出状态码；record 非空时一并返回当前记录。
func writeError(w http.ResponseWriter, err error, record ...any) {
	code := xerrors.CodeOf(err)
	body := map[string]any{
		"error": errorBody{Code: string(code), Message: xerrors.MessageOf(err)},
	}
	if len(record) > 0 && record[0] != nil {
		body["record"] = record[0]
	}
	writeJSON(w, xerrors.HTTPStatus(code), body)
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid request body: "+err.Error())
	}
	return nil
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, xerrors.New(xerrors.CodeInitializationFailure, what+" is not configured"))
}
