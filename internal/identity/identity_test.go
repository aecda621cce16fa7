package identity

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"vigil/internal/types"
)

func TestValidateAgentID(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"simple", "worker-7", true},
		{"single char", "A", true},
		{"max length", strings.Repeat("a", 64), true},
		{"mixed separators", "team_x-node_2", true},
		{"upper case", "ScenarioA", true},
		{"prefix without underscore", "systemic", true},
		{"reserved word embedded", "administrator", true},

		{"empty", "", false},
		{"too long", strings.Repeat("a", 65), false},
		{"space", "has space", false},
		{"punctuation", "agent@home", false},
		{"non ascii", "naïve", false},
		{"reserved", "system", false},
		{"reserved ignores case", "Admin", false},
		{"reserved upper", "ROOT", false},
		{"reserved prefix", "system_worker", false},
		{"reserved prefix auth", "auth_token", false},
		{"reserved prefix ignores case", "Governance_x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAgentID(tt.id)
			if tt.ok && err != nil {
				t.Errorf("ValidateAgentID(%q) = %v, want nil", tt.id, err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatalf("ValidateAgentID(%q) = nil, want error", tt.id)
				}
				if !types.IsKind(err, types.KindInvalidIdentifier) {
					t.Errorf("ValidateAgentID(%q) kind = %v, want invalid_identifier", tt.id, types.KindOf(err))
				}
			}
		})
	}
}

func TestMintAndVerifyKey(t *testing.T) {
	key, hash, err := mintKey(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("mintKey: %v", err)
	}
	if !WellFormedKey(key) {
		t.Errorf("minted key %q fails its own shape check", key)
	}
	if strings.Contains(hash, key) {
		t.Error("hash leaks the plaintext key")
	}

	if err := VerifyKey(hash, key); err != nil {
		t.Errorf("VerifyKey with correct key: %v", err)
	}

	other, _, err := mintKey(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("mintKey: %v", err)
	}
	if err := VerifyKey(hash, other); !types.IsKind(err, types.KindAuthRequired) {
		t.Errorf("VerifyKey with wrong key = %v, want auth_required", err)
	}
	if err := VerifyKey(hash, ""); !types.IsKind(err, types.KindAuthRequired) {
		t.Errorf("VerifyKey with empty key = %v, want auth_required", err)
	}
	if err := VerifyKey("", key); !types.IsKind(err, types.KindAuthRequired) {
		t.Errorf("VerifyKey with no stored hash = %v, want auth_required", err)
	}
}

func TestMintedKeysAreUnique(t *testing.T) {
	a, _, err := mintKey(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("mintKey: %v", err)
	}
	b, _, err := mintKey(bcrypt.MinCost)
	if err != nil {
		t.Fatalf("mintKey: %v", err)
	}
	if a == b {
		t.Error("two mints produced the same key")
	}
}

func TestWellFormedKey(t *testing.T) {
	if WellFormedKey("vg_short") {
		t.Error("truncated key accepted")
	}
	if WellFormedKey(strings.Repeat("x", 46)) {
		t.Error("unprefixed key accepted")
	}
	if WellFormedKey("") {
		t.Error("empty key accepted")
	}
}

func TestNewUUIDIsV4(t *testing.T) {
	u := NewUUID()
	if u.Version() != 4 {
		t.Errorf("uuid version = %d, want 4", u.Version())
	}
	if u == uuid.Nil {
		t.Error("got the nil uuid")
	}
}

func TestParseUUID(t *testing.T) {
	u := NewUUID()
	parsed, err := ParseUUID(u.String())
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	if parsed != u {
		t.Errorf("round trip mismatch: %v != %v", parsed, u)
	}

	if _, err := ParseUUID("not-a-uuid"); !types.IsKind(err, types.KindInvalidArgument) {
		t.Errorf("ParseUUID(garbage) = %v, want invalid_argument", err)
	}
}
