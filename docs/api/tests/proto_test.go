package tests

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/aegis-sign/nip55-bridge/pkg/wire"
)

var (
	rpcPattern     = regexp.MustCompile(`rpc (\w+)\((\w+)\) returns \((\w+)\)`)
	messagePattern = regexp.MustCompile(`(?s)message (\w+) \{(.*?)\}`)
	fieldPattern   = regexp.MustCompile(`(?m)^\s*(?:string|bool|bytes|uint32) (\w+) = (\d+);`)
)

func loadProto(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("..", "proto", "nip55.proto"))
	require.NoError(t, err, "read proto")
	return string(data)
}

// protoFields 返回 message -> field -> number。
func protoFields(content string) map[string]map[string]protowire.Number {
	out := make(map[string]map[string]protowire.Number)
	for _, m := range messagePattern.FindAllStringSubmatch(content, -1) {
		fields := make(map[string]protowire.Number)
		for _, f := range fieldPattern.FindAllStringSubmatch(m[2], -1) {
			n, _ := strconv.Atoi(f[2])
			fields[f[1]] = protowire.Number(n)
		}
		out[m[1]] = fields
	}
	return out
}

func TestProtoMatchesMethodTable(t *testing.T) {
	content := loadProto(t)
	require.Contains(t, content, "package nip55.v1;")
	require.Contains(t, content, "service AndroidSigner {")

	var declared []wire.Method
	for _, m := range rpcPattern.FindAllStringSubmatch(content, -1) {
		declared = append(declared, wire.Method("/"+wire.ServiceName+"/"+m[1]))
		require.Equal(t, m[1]+"Request", m[2])
		require.Equal(t, m[1]+"Reply", m[3])
	}
	require.Equal(t, wire.Methods(), declared)
}

func TestProtoFieldNumbersMatchEncoding(t *testing.T) {
	fields := protoFields(loadProto(t))
	cases := []struct {
		message string
		field   string
		msg     wire.Message
	}{
		{"IsExternalSignerInstalledReply", "installed", &wire.IsExternalSignerInstalledReply{Installed: true}},
		{"GetPublicKeyReply", "public_key", &wire.GetPublicKeyReply{PublicKey: "x"}},
		{"SignEventRequest", "unsigned_event", &wire.SignEventRequest{UnsignedEvent: "x"}},
		{"SignEventRequest", "current_user_public_key", &wire.SignEventRequest{CurrentUserPublicKey: "x"}},
		{"SignEventReply", "event", &wire.SignEventReply{Event: "x"}},
		{"Nip04EncryptRequest", "current_user_public_key", &wire.Nip04EncryptRequest{CurrentUserPublicKey: "x"}},
		{"Nip04EncryptRequest", "other_public_key", &wire.Nip04EncryptRequest{OtherPublicKey: "x"}},
		{"Nip04EncryptRequest", "plaintext", &wire.Nip04EncryptRequest{Plaintext: "x"}},
		{"Nip04EncryptReply", "ciphertext", &wire.Nip04EncryptReply{Ciphertext: "x"}},
		{"Nip04DecryptRequest", "current_user_public_key", &wire.Nip04DecryptRequest{CurrentUserPublicKey: "x"}},
		{"Nip04DecryptRequest", "other_public_key", &wire.Nip04DecryptRequest{OtherPublicKey: "x"}},
		{"Nip04DecryptRequest", "ciphertext", &wire.Nip04DecryptRequest{Ciphertext: "x"}},
		{"Nip04DecryptReply", "plaintext", &wire.Nip04DecryptReply{Plaintext: "x"}},
	}
	for _, tc := range cases {
		want, ok := fields[tc.message][tc.field]
		require.True(t, ok, "proto missing %s.%s", tc.message, tc.field)
		data, err := tc.msg.Marshal()
		require.NoError(t, err)
		num, _, n := protowire.ConsumeTag(data)
		require.Positive(t, n)
		require.Equal(t, want, num, "%s.%s", tc.message, tc.field)
	}
}

func TestProtoDeclaresEveryMessage(t *testing.T) {
	fields := protoFields(loadProto(t))
	for _, m := range wire.Methods() {
		_, ok := fields[m.Name()+"Request"]
		require.True(t, ok, "missing %sRequest", m.Name())
		_, ok = fields[m.Name()+"Reply"]
		require.True(t, ok, "missing %sReply", m.Name())
	}
	require.Equal(t, protowire.Number(1), fields["FrameRequest"]["method"])
	require.Equal(t, protowire.Number(3), fields["FrameResponse"]["body"])
}
