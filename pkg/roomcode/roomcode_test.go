package roomcode

import (
	"errors"
	"regexp"
	"testing"
)

var codePattern = regexp.MustCompile(`^[ABCDEFGHJKLMNPQRSTUVWXYZ23456789]{4}$`)

func TestGenerateUsesAlphabet(t *testing.T) {
	seen := make(map[string]int)
	for i := 0; i < 1000; i++ {
		code := Generate()
		if !codePattern.MatchString(code) {
			t.Fatalf("generated %q", code)
		}
		seen[code]++
	}
	// 1000 draws from 32^4 codes collide about 0.48 times on average.
	collisions := 0
	for _, n := range seen {
		collisions += n - 1
	}
	if collisions > 8 {
		t.Fatalf("%d collisions in 1000 codes", collisions)
	}
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "K7M2", want: "K7M2"},
		{in: "k7m2", want: "K7M2"},
		{in: "  abcd\n", want: "ABCD"},
		{in: "K7M", wantErr: true},
		{in: "K7M22", wantErr: true},
		{in: "K0M2", wantErr: true},
		{in: "KOM2", wantErr: true},
		{in: "K1M2", wantErr: true},
		{in: "KIM2", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		got, err := Normalize(tc.in)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("Normalize(%q) err = %v, want ErrInvalid", tc.in, err)
			}
			continue
		}
		if err != nil || got != tc.want {
			t.Errorf("Normalize(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
		}
	}
	if Valid("k7m2") {
		t.Error("lower-case code reported as normalized")
	}
	if !Valid("K7M2") {
		t.Error("K7M2 rejected")
	}
}

func TestAddressing(t *testing.T) {
	if got := PeerID("K7M2"); got != "teleprompter-K7M2" {
		t.Errorf("PeerID = %q", got)
	}
	ch := RelayChannel("K7M2")
	if ch != "teleprompter-relay-K7M2" {
		t.Errorf("RelayChannel = %q", ch)
	}
	if ch == PeerID("K7M2") {
		t.Error("relay channel and peer id share a namespace")
	}
	code, err := FromRelayChannel(ch)
	if err != nil || code != "K7M2" {
		t.Errorf("FromRelayChannel = %q, %v", code, err)
	}
	if _, err := FromRelayChannel("teleprompter-K7M2"); !errors.Is(err, ErrInvalid) {
		t.Errorf("peer id accepted as relay channel: %v", err)
	}
	if got := DiscoveryURL("http://10.0.0.5:8080/", "K7M2"); got != "http://10.0.0.5:8080/?remote=K7M2" {
		t.Errorf("DiscoveryURL = %q", got)
	}
}
