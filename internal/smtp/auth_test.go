package smtp

import (
	"testing"

	"github.com/emersion/go-sasl"
)

func TestAuthenticator_Enabled(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		username string
		password string
		want     bool
	}{
		{name: "both set", username: "user", password: "pass", want: true},
		{name: "empty username", username: "", password: "pass", want: false},
		{name: "empty password", username: "user", password: "", want: false},
		{name: "both empty", username: "", password: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			auth := NewAuthenticator(tt.username, tt.password)
			if got := auth.Enabled(); got != tt.want {
				t.Errorf("Enabled(): got %v, want %v", got, tt.want)
			}
			if got := len(auth.Mechanisms()) > 0; got != tt.want {
				t.Errorf("Mechanisms() offered: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	if err := auth.Verify("testuser", "testpass"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := auth.Verify("testuser", "wrongpass"); err == nil {
		t.Error("expected error for wrong password, got nil")
	}
	if err := auth.Verify("wronguser", "testpass"); err == nil {
		t.Error("expected error for wrong username, got nil")
	}
	if err := auth.Verify("", ""); err == nil {
		t.Error("expected error for empty credentials, got nil")
	}
}

func TestAuthenticator_PlainServer(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	tests := []struct {
		name     string
		response string
		wantErr  bool
	}{
		{name: "success", response: "\x00testuser\x00testpass"},
		{name: "with authzid", response: "admin\x00testuser\x00testpass"},
		{name: "wrong password", response: "\x00testuser\x00wrongpass", wantErr: true},
		{name: "invalid format", response: "testuser\x00testpass", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var user string
			srv, err := auth.Server(sasl.Plain, func(u string) { user = u })
			if err != nil {
				t.Fatalf("Server: %v", err)
			}
			_, done, err := srv.Next([]byte(tt.response))
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				if user != "" {
					t.Errorf("onSuccess called with %q", user)
				}
				return
			}
			if err != nil || !done {
				t.Fatalf("Next: done=%v err=%v", done, err)
			}
			if user != "testuser" {
				t.Errorf("user: got %q, want %q", user, "testuser")
			}
		})
	}
}

func TestAuthenticator_LoginServer(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")

	var user string
	srv, err := auth.Server(sasl.Login, func(u string) { user = u })
	if err != nil {
		t.Fatalf("Server: %v", err)
	}

	challenge, done, err := srv.Next(nil)
	if err != nil || done || string(challenge) != "Username:" {
		t.Fatalf("step 1: challenge=%q done=%v err=%v", challenge, done, err)
	}
	challenge, done, err = srv.Next([]byte("testuser"))
	if err != nil || done || string(challenge) != "Password:" {
		t.Fatalf("step 2: challenge=%q done=%v err=%v", challenge, done, err)
	}
	_, done, err = srv.Next([]byte("testpass"))
	if err != nil || !done {
		t.Fatalf("step 3: done=%v err=%v", done, err)
	}
	if user != "testuser" {
		t.Errorf("user: got %q, want %q", user, "testuser")
	}

	if _, _, err := srv.Next([]byte("extra")); err == nil {
		t.Error("expected error for extra response, got nil")
	}
}

func TestAuthenticator_LoginServer_InitialResponse(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")
	srv, _ := auth.Server(sasl.Login, func(string) {})

	challenge, done, err := srv.Next([]byte("testuser"))
	if err != nil || done || string(challenge) != "Password:" {
		t.Fatalf("step 1: challenge=%q done=%v err=%v", challenge, done, err)
	}
	if _, _, err := srv.Next([]byte("wrongpass")); err == nil {
		t.Error("expected error for wrong password, got nil")
	}
}

func TestAuthenticator_UnknownMechanism(t *testing.T) {
	t.Parallel()

	auth := NewAuthenticator("testuser", "testpass")
	if _, err := auth.Server("CRAM-MD5", func(string) {}); err == nil {
		t.Error("expected error for unknown mechanism, got nil")
	}
}
