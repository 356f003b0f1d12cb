package credential

import "testing"

func TestEnvVar(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"work-right-password", "MAILSYNC_WORK_RIGHT_PASSWORD"},
		{"Home.left", "MAILSYNC_HOME_LEFT"},
		{"a1b2", "MAILSYNC_A1B2"},
	}
	for _, tc := range tests {
		if got := envVar(tc.key); got != tc.want {
			t.Errorf("envVar(%q) = %q, want %q", tc.key, got, tc.want)
		}
	}
}

func TestGetPrefersEnvironment(t *testing.T) {
	t.Setenv("MAILSYNC_WORK_RIGHT_PASSWORD", "hunter2")
	got, err := Get("work-right-password")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q", got)
	}
}
