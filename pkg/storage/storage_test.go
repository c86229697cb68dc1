package storage

import (
	"errors"
	"testing"
)

func TestValidateKey(t *testing.T) {
	cases := []struct {
		name string
		key  string
		want error
	}{
		{"valid key", "forms/inbox/doc.pdf/001.pdf", nil},
		{"empty key", "", ErrEmptyKey},
		{"traversal", "forms/../secrets", ErrInvalidKey},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := validateKey(tc.key)
			if tc.want == nil {
				if err != nil {
					t.Errorf("validateKey(%q) = %v, want nil", tc.key, err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Errorf("validateKey(%q) = %v, want %v", tc.key, err, tc.want)
			}
		})
	}
}

func TestConfigCapsListSize(t *testing.T) {
	cfg := &Config{
		ContainerName:    "documents",
		ConnectionString: "UseDevelopmentStorage=true",
		MaxListSize:      10_000,
	}
	if err := cfg.Finalize(nil); err != nil {
		t.Fatalf("Finalize error: %v", err)
	}
	if cfg.MaxListSize != MaxListCap {
		t.Errorf("max list size = %d, want capped at %d", cfg.MaxListSize, MaxListCap)
	}
}
