package logging

import "testing"

func TestNew(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "defaults", cfg: Config{}},
		{name: "debug stderr", cfg: Config{Level: "debug", Destination: "stderr"}},
		{name: "bad level", cfg: Config{Level: "chatty"}, wantErr: true},
		{name: "bad destination", cfg: Config{Destination: "journald"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lg, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err=%v wantErr=%v", err, tt.wantErr)
			}
			if !tt.wantErr && lg == nil {
				t.Fatal("got nil logger")
			}
		})
	}
}
