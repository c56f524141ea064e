package limits

import (
	"errors"
	"testing"
)

func TestPayloadLimitsFitDatagram(t *testing.T) {
	if MaxFullPayload+12 != MaxDatagram {
		t.Errorf("MaxFullPayload = %d, want %d", MaxFullPayload, MaxDatagram-12)
	}
	if MaxMiniPayload+4 != MaxDatagram {
		t.Errorf("MaxMiniPayload = %d, want %d", MaxMiniPayload, MaxDatagram-4)
	}
}

func TestValidateDatagram(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty", 0, ErrMessageEmpty},
		{"header only", 4, nil},
		{"max", MaxDatagram, nil},
		{"too large", MaxDatagram + 1, ErrMessageTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDatagram(make([]byte, tt.size))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateDatagram(%d) = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidateFullPayload(t *testing.T) {
	if err := ValidateFullPayload(nil, false); err != nil {
		t.Errorf("empty full payload rejected: %v", err)
	}
	if err := ValidateFullPayload(make([]byte, MaxFullPayload), false); err != nil {
		t.Errorf("max full payload rejected: %v", err)
	}
	if err := ValidateFullPayload(make([]byte, MaxFullPayload), true); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("encrypted max payload accepted: %v", err)
	}
}

func TestValidateMiniPayload(t *testing.T) {
	if err := ValidateMiniPayload(nil, false); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("empty mini payload: %v", err)
	}
	if err := ValidateMiniPayload(make([]byte, 160), true); err != nil {
		t.Errorf("voice payload rejected: %v", err)
	}
	if err := ValidateMiniPayload(make([]byte, MaxMiniPayload+1), false); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized mini payload: %v", err)
	}
}

func TestValidateIEValue(t *testing.T) {
	if err := ValidateIEValue(make([]byte, MaxIEValue)); err != nil {
		t.Errorf("max IE rejected: %v", err)
	}
	if err := ValidateIEValue(make([]byte, MaxIEValue+1)); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("oversized IE: %v", err)
	}
}

func TestValidateMessageSize(t *testing.T) {
	if err := ValidateMessageSize(nil, 10); !errors.Is(err, ErrMessageEmpty) {
		t.Errorf("nil: %v", err)
	}
	if err := ValidateMessageSize(make([]byte, 11), 10); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("11/10: %v", err)
	}
}

func BenchmarkValidateDatagram(b *testing.B) {
	buf := make([]byte, 172)
	for i := 0; i < b.N; i++ {
		_ = ValidateDatagram(buf)
	}
}
