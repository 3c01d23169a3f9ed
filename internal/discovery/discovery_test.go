package discovery

import (
	"bytes"
	"net"
	"testing"
)

func TestPublicOrigin(t *testing.T) {
	lan := net.IPv4(192, 168, 1, 20)
	cases := []struct {
		name   string
		origin string
		lan    net.IP
		want   string
	}{
		{name: "localhost with port", origin: "http://localhost:8080/", lan: lan, want: "http://192.168.1.20:8080"},
		{name: "loopback ip", origin: "http://127.0.0.1", lan: lan, want: "http://192.168.1.20"},
		{name: "public host kept", origin: "https://prompt.example.com", lan: lan, want: "https://prompt.example.com"},
		{name: "no lan address", origin: "http://localhost:8080", lan: nil, want: "http://localhost:8080"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PublicOrigin(tc.origin, tc.lan); got != tc.want {
				t.Fatalf("PublicOrigin(%q) = %q, want %q", tc.origin, got, tc.want)
			}
		})
	}
}

func TestNewInvite(t *testing.T) {
	inv, err := NewInvite("http://192.168.1.20:8080/", "K7M2", 0)
	if err != nil {
		t.Fatal(err)
	}
	if inv.URL != "http://192.168.1.20:8080/?remote=K7M2" || inv.Code != "K7M2" {
		t.Fatalf("invite = %+v", inv)
	}
	if !bytes.HasPrefix(inv.QR, []byte("\x89PNG")) {
		t.Fatal("qr is not a png")
	}
}

func TestPrivateIPv4(t *testing.T) {
	addrs := []net.Addr{
		&net.IPNet{IP: net.ParseIP("fe80::1"), Mask: net.CIDRMask(64, 128)},
		&net.IPNet{IP: net.IPv4(8, 8, 8, 8), Mask: net.CIDRMask(24, 32)},
		&net.IPNet{IP: net.IPv4(10, 0, 0, 7), Mask: net.CIDRMask(8, 32)},
	}
	if ip := privateIPv4(addrs); !ip.Equal(net.IPv4(10, 0, 0, 7)) {
		t.Fatalf("privateIPv4 = %v", ip)
	}
}
