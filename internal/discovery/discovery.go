// Package discovery produces what a remote needs to find a host: the
// discovery URL, its QR code, and an mDNS advertisement on the LAN.
package discovery

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog/log"
	qrcode "github.com/skip2/go-qrcode"

	"teleprompter/pkg/roomcode"
)

// ServiceType is the mDNS service hosts advertise.
const ServiceType = "_teleprompter._tcp"

// DefaultQRSize is the QR image edge in pixels.
const DefaultQRSize = 256

// ErrNoLANAddress is returned when no private IPv4 address is configured.
var ErrNoLANAddress = errors.New("no LAN address found")

// Invite is the discovery payload shown by the host.
type Invite struct {
	Code string `json:"roomCode"`
	URL  string `json:"url"`
	QR   []byte `json:"-"`
}

// NewInvite builds the invite for code. size <= 0 uses DefaultQRSize.
func NewInvite(origin, code string, size int) (Invite, error) {
	u := roomcode.DiscoveryURL(origin, code)
	png, err := QRCode(u, size)
	if err != nil {
		return Invite{}, err
	}
	return Invite{Code: code, URL: u, QR: png}, nil
}

// QRCode renders content as a PNG.
func QRCode(content string, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultQRSize
	}
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("encode qr: %w", err)
	}
	return png, nil
}

// LANAddress returns the first private IPv4 address of an up, non-loopback interface.
func LANAddress() (net.IP, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		if ip := privateIPv4(addrs); ip != nil {
			return ip, nil
		}
	}
	return nil, ErrNoLANAddress
}

func privateIPv4(addrs []net.Addr) net.IP {
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip := ipnet.IP.To4(); ip != nil && ip.IsPrivate() {
			return ip
		}
	}
	return nil
}

// PublicOrigin replaces a loopback host in origin with lan so that a phone on
// the same network can open the discovery URL. Other origins are returned as is.
func PublicOrigin(origin string, lan net.IP) string {
	u, err := url.Parse(strings.TrimRight(origin, "/"))
	if err != nil || u.Host == "" || lan == nil {
		return strings.TrimRight(origin, "/")
	}
	host := u.Hostname()
	if host != "localhost" && !isLoopback(host) {
		return strings.TrimRight(u.String(), "/")
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(lan.String(), port)
	} else {
		u.Host = lan.String()
	}
	return strings.TrimRight(u.String(), "/")
}

func isLoopback(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ResolveOrigin is PublicOrigin with the detected LAN address. Detection
// failure leaves origin unchanged and is logged, the user can still set the
// public origin by hand.
func ResolveOrigin(origin string) string {
	lan, err := LANAddress()
	if err != nil {
		log.Debug().Err(err).Msg("LAN address detection failed")
		return strings.TrimRight(origin, "/")
	}
	return PublicOrigin(origin, lan)
}

// Advertiser is a running mDNS registration.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the host on the local network. The TXT record carries
// the room code and discovery URL so LAN clients can join without typing.
func Advertise(port int, inv Invite) (*Advertiser, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("Teleprompter-%s-%s", host, inv.Code)
	txt := []string{"code=" + inv.Code, "url=" + inv.URL, "port=" + strconv.Itoa(port)}
	server, err := zeroconf.Register(instance, ServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("register mdns service: %w", err)
	}
	log.Info().Str("service", ServiceType).Str("room_code", inv.Code).Int("port", port).Msg("mDNS service registered")
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the registration. Safe on a nil Advertiser.
func (a *Advertiser) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.server = nil
}
