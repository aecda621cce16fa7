package dialectic

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"vigil/internal/types"
)

// SignMessage computes the HMAC-SHA256 over the message's signed fields and
// returns it hex-encoded. The timestamp must be set before signing.
func SignMessage(secret []byte, m *types.DialecticMessage) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalContent(m)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyMessage reports whether the message's stored signature matches its
// content under the given secret.
func VerifyMessage(secret []byte, m *types.DialecticMessage) bool {
	want, err := hex.DecodeString(m.Signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(canonicalContent(m)))
	return hmac.Equal(mac.Sum(nil), want)
}

// canonicalContent flattens the signed fields into a stable byte sequence:
// author, session, typed content, and timestamp, in a fixed order with
// length-unambiguous separators. Map fields are emitted in sorted key order.
func canonicalContent(m *types.DialecticMessage) string {
	var sb strings.Builder
	sb.WriteString(m.Author.String())
	sb.WriteByte('\n')
	sb.WriteString(m.SessionID.String())
	sb.WriteByte('\n')
	sb.WriteString(string(m.Type))
	sb.WriteByte('\n')
	sb.WriteString(field(m.Reasoning))
	sb.WriteString(field(m.RootCause))
	sb.WriteString(list(m.Concerns))
	sb.WriteString(list(m.ProposedConditions))
	sb.WriteString(metrics(m.ObservedMetrics))
	if m.Agrees != nil {
		fmt.Fprintf(&sb, "agrees=%v\n", *m.Agrees)
	}
	fmt.Fprintf(&sb, "ts=%d", m.Timestamp.UnixMilli())
	return sb.String()
}

func field(s string) string {
	return fmt.Sprintf("%d:%s\n", len(s), s)
}

func list(items []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d[\n", len(items))
	for _, it := range items {
		sb.WriteString(field(it))
	}
	sb.WriteString("]\n")
	return sb.String()
}

func metrics(m map[string]float64) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d{\n", len(keys))
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%.9g\n", k, m[k])
	}
	sb.WriteString("}\n")
	return sb.String()
}
