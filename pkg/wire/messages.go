package wire

import "google.golang.org/protobuf/encoding/protowire"

// IsExternalSignerInstalledRequest 查询外部 signer 是否可用。
type IsExternalSignerInstalledRequest struct{}

func (*IsExternalSignerInstalledRequest) Marshal() ([]byte, error) { return []byte{}, nil }

func (*IsExternalSignerInstalledRequest) Unmarshal(data []byte) error {
	return decodeFields(data, skipAll)
}

// IsExternalSignerInstalledReply 携带 installed 标志（field 1）。
type IsExternalSignerInstalledReply struct {
	Installed bool
}

func (m *IsExternalSignerInstalledReply) Marshal() ([]byte, error) {
	return appendBool(nil, 1, m.Installed), nil
}

func (m *IsExternalSignerInstalledReply) Unmarshal(data []byte) error {
	*m = IsExternalSignerInstalledReply{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBool(typ, b, &m.Installed)
		}
		return 0, nil
	})
}

// GetPublicKeyRequest 请求当前用户公钥。
type GetPublicKeyRequest struct{}

func (*GetPublicKeyRequest) Marshal() ([]byte, error) { return []byte{}, nil }

func (*GetPublicKeyRequest) Unmarshal(data []byte) error { return decodeFields(data, skipAll) }

// GetPublicKeyReply 携带 hex 或 npub 编码的公钥（field 1）。
type GetPublicKeyReply struct {
	PublicKey string
}

func (m *GetPublicKeyReply) Marshal() ([]byte, error) {
	return appendString(nil, 1, m.PublicKey), nil
}

func (m *GetPublicKeyReply) Unmarshal(data []byte) error {
	*m = GetPublicKeyReply{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.PublicKey)
		}
		return 0, nil
	})
}

// SignEventRequest 携带未签名事件 JSON（field 1）与当前用户公钥（field 2）。
type SignEventRequest struct {
	UnsignedEvent        string
	CurrentUserPublicKey string
}

func (m *SignEventRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.UnsignedEvent)
	return appendString(b, 2, m.CurrentUserPublicKey), nil
}

func (m *SignEventRequest) Unmarshal(data []byte) error {
	*m = SignEventRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.UnsignedEvent)
		case 2:
			return consumeString(typ, b, &m.CurrentUserPublicKey)
		}
		return 0, nil
	})
}

// SignEventReply 携带已签名事件 JSON（field 1）。
type SignEventReply struct {
	Event string
}

func (m *SignEventReply) Marshal() ([]byte, error) {
	return appendString(nil, 1, m.Event), nil
}

func (m *SignEventReply) Unmarshal(data []byte) error {
	*m = SignEventReply{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.Event)
		}
		return 0, nil
	})
}

// Nip04EncryptRequest 对应 NIP-04 加密。
type Nip04EncryptRequest struct {
	CurrentUserPublicKey string
	OtherPublicKey       string
	Plaintext            string
}

func (m *Nip04EncryptRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.CurrentUserPublicKey)
	b = appendString(b, 2, m.OtherPublicKey)
	return appendString(b, 3, m.Plaintext), nil
}

func (m *Nip04EncryptRequest) Unmarshal(data []byte) error {
	*m = Nip04EncryptRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.CurrentUserPublicKey)
		case 2:
			return consumeString(typ, b, &m.OtherPublicKey)
		case 3:
			return consumeString(typ, b, &m.Plaintext)
		}
		return 0, nil
	})
}

// Nip04EncryptReply 携带密文（field 1）。
type Nip04EncryptReply struct {
	Ciphertext string
}

func (m *Nip04EncryptReply) Marshal() ([]byte, error) {
	return appendString(nil, 1, m.Ciphertext), nil
}

func (m *Nip04EncryptReply) Unmarshal(data []byte) error {
	*m = Nip04EncryptReply{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.Ciphertext)
		}
		return 0, nil
	})
}

// Nip04DecryptRequest 对应 NIP-04 解密。
type Nip04DecryptRequest struct {
	CurrentUserPublicKey string
	OtherPublicKey       string
	Ciphertext           string
}

func (m *Nip04DecryptRequest) Marshal() ([]byte, error) {
	b := appendString(nil, 1, m.CurrentUserPublicKey)
	b = appendString(b, 2, m.OtherPublicKey)
	return appendString(b, 3, m.Ciphertext), nil
}

func (m *Nip04DecryptRequest) Unmarshal(data []byte) error {
	*m = Nip04DecryptRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.CurrentUserPublicKey)
		case 2:
			return consumeString(typ, b, &m.OtherPublicKey)
		case 3:
			return consumeString(typ, b, &m.Ciphertext)
		}
		return 0, nil
	})
}

// Nip04DecryptReply 携带明文（field 1）。
type Nip04DecryptReply struct {
	Plaintext string
}

func (m *Nip04DecryptReply) Marshal() ([]byte, error) {
	return appendString(nil, 1, m.Plaintext), nil
}

func (m *Nip04DecryptReply) Unmarshal(data []byte) error {
	*m = Nip04DecryptReply{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.Plaintext)
		}
		return 0, nil
	})
}

func skipAll(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil }
