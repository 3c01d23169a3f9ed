package ice

import "testing"

func TestResolveModes(t *testing.T) {
	turn := Settings{
		TURNURLs:     []string{" turn:turn.example.com:3478 ", ""},
		TURNUsername: "user",
		TURNPassword: "secret",
	}

	cases := []struct {
		name      string
		settings  Settings
		wantMode  string
		wantCount int
		firstURL  string
	}{
		{name: "defaults", settings: Settings{}, wantMode: ModeSTUNTURN, wantCount: 1, firstURL: DefaultSTUN[0]},
		{name: "stun and turn", settings: turn, wantMode: ModeSTUNTURN, wantCount: 2, firstURL: DefaultSTUN[0]},
		{name: "turn only", settings: withMode(turn, "TURN-ONLY"), wantMode: ModeTURNOnly, wantCount: 1, firstURL: "turn:turn.example.com:3478"},
		{name: "turn only without turn", settings: Settings{Mode: ModeTURNOnly}, wantMode: ModeTURNOnly, wantCount: 1, firstURL: DefaultSTUN[0]},
		{name: "stun only", settings: withMode(turn, ModeSTUNOnly), wantMode: ModeSTUNOnly, wantCount: 1, firstURL: DefaultSTUN[0]},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mode, servers := Resolve(tc.settings)
			if mode != tc.wantMode || len(servers) != tc.wantCount {
				t.Fatalf("Resolve = %s, %+v", mode, servers)
			}
			if servers[0].URLs[0] != tc.firstURL {
				t.Fatalf("first url = %s", servers[0].URLs[0])
			}
		})
	}
}

func TestSettingsFromEnv(t *testing.T) {
	t.Setenv("ICE_MODE", "stun-only")
	t.Setenv("STUN_URLS", "stun:a:3478, stun:b:3478,")
	s := SettingsFromEnv(Settings{Mode: ModeTURNOnly, TURNUsername: "kept"})
	if s.Mode != ModeSTUNOnly || len(s.STUNURLs) != 2 || s.STUNURLs[1] != "stun:b:3478" || s.TURNUsername != "kept" {
		t.Fatalf("settings = %+v", s)
	}
}

func TestToPion(t *testing.T) {
	_, servers := Resolve(Settings{TURNURLs: []string{"turn:t"}, TURNUsername: "u", TURNPassword: "p"})
	out := ToPion(servers)
	if len(out) != 2 || out[1].Username != "u" || out[1].Credential != "p" {
		t.Fatalf("pion servers = %+v", out)
	}
	if c, ok := any(out[0].Credential).(string); ok && c != "" {
		t.Fatalf("stun server carries a credential: %+v", out[0])
	}
}

func withMode(s Settings, mode string) Settings {
	s.Mode = mode
	return s
}
