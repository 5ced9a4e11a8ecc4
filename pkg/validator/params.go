package validator

import (
	"errors"
	"fmt"

	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

// ErrMissingParam 表示请求缺少必填参数。
var ErrMissingParam = errors.New("missing request parameter")

// ValidateSignEvent 确保签名请求携带未签名事件。
func ValidateSignEvent(req *wire.SignEventRequest) error {
	if req == nil || req.UnsignedEvent == "" {
		return fmt.Errorf("%w: unsigned event is required for sign_event request", ErrMissingParam)
	}
	return nil
}

// ValidateEncrypt 校验加密请求参数，op 用于错误提示（例如 nip04_encrypt）。
func ValidateEncrypt(op string, req *wire.Nip04EncryptRequest) error {
	if req == nil {
		return fmt.Errorf("%w: %s request is nil", ErrMissingParam, op)
	}
	if err := requireKeys(op, req.CurrentUserPublicKey, req.OtherPublicKey); err != nil {
		return err
	}
	if req.Plaintext == "" {
		return fmt.Errorf("%w: plaintext is required for %s request", ErrMissingParam, op)
	}
	return nil
}

// ValidateDecrypt 校验解密请求参数。
func ValidateDecrypt(op string, req *wire.Nip04DecryptRequest) error {
	if req == nil {
		return fmt.Errorf("%w: %s request is nil", ErrMissingParam, op)
	}
	if err := requireKeys(op, req.CurrentUserPublicKey, req.OtherPublicKey); err != nil {
		return err
	}
	if req.Ciphertext == "" {
		return fmt.Errorf("%w: ciphertext is required for %s request", ErrMissingParam, op)
	}
	return nil
}

func requireKeys(op, current, other string) error {
	if current == "" {
		return fmt.Errorf("%w: current user public key is required for %s request", ErrMissingParam, op)
	}
	if other == "" {
		return fmt.Errorf("%w: other user public key is required for %s request", ErrMissingParam, op)
	}
	if err := ValidatePublicKey(other); err != nil {
		return fmt.Errorf("other user public key: %w", err)
	}
	return nil
}
