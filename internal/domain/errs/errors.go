package errs

import "errors"

var (
	// 存储层读写失败：记录日志后按默认值继续，不断开连接
	ErrStoreUnavailable = errors.New("presence store unavailable")

	// 广播总线发布/订阅失败：记录日志，事件直接丢弃
	ErrBusUnavailable = errors.New("broadcast bus unavailable")

	// 握手缺少 userId，在传输层直接拒绝
	ErrMalformedHandshake = errors.New("malformed handshake: missing userId")

	// 身份校验未通过（启用了校验插件时）
	ErrIdentityRejected = errors.New("identity rejected")
)
