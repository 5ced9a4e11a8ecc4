package proxy

import "context"

// Callback 是外部 signer 的接入点。
//
// 实现必须是并发安全的：每条入站连接在独立的协程中处理，方法可能被同时调用。
// 返回 *apierrors.Error 可以控制客户端看到的状态码，其他错误一律映射为 Internal。
type Callback interface {
	IsExternalSignerInstalled(ctx context.Context) (bool, error)
	// GetPublicKey 返回 hex 或 npub 编码的公钥。
	GetPublicKey(ctx context.Context) (string, error)
	// SignEvent 对 JSON 编码的未签名事件签名，返回签名后的事件 JSON。
	SignEvent(ctx context.Context, unsignedEvent, currentUserPublicKey string) (string, error)
}

// Nip04Callback 是可选能力。Callback 未实现它时，NIP-04 请求返回 Unimplemented。
type Nip04Callback interface {
	Nip04Encrypt(ctx context.Context, currentUserPublicKey, otherPublicKey, plaintext string) (string, error)
	Nip04Decrypt(ctx context.Context, currentUserPublicKey, otherPublicKey, ciphertext string) (string, error)
}
