package seed

import "testing"

func TestValidateKeyRejectsTraversal(t *testing.T) {
	cases := []struct {
		key     string
		wantErr bool
	}{
		{"images/alpine.tar", false},
		{"", true},
		{"../etc/passwd", true},
		{"/etc/passwd", true},
		{"images/alpine\x00.tar", true},
	}
	for _, c := range cases {
		err := validateKey(c.key)
		if c.wantErr && err == nil {
			t.Errorf("validateKey(%q): expected error, got nil", c.key)
		}
		if !c.wantErr && err != nil {
			t.Errorf("validateKey(%q): unexpected error: %v", c.key, err)
		}
	}
}

func TestValidateKeyRejectsOverlength(t *testing.T) {
	long := make([]byte, 1025)
	for i := range long {
		long[i] = 'a'
	}
	if err := validateKey(string(long)); err == nil {
		t.Fatal("expected error for overlength key")
	}
}
