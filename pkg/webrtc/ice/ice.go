package ice

import (
	"os"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"teleprompter/pkg/protocol"
)

// Modes accepted by Resolve.
const (
	ModeSTUNTURN = "stun-turn"
	ModeTURNOnly = "turn-only"
	ModeSTUNOnly = "stun-only"
)

// DefaultSTUN is used when no STUN server is configured.
var DefaultSTUN = []string{"stun:stun.l.google.com:19302"}

// Settings is the raw ICE configuration from the config file or environment.
type Settings struct {
	Mode         string   `yaml:"mode"`
	STUNURLs     []string `yaml:"stunURLs"`
	TURNURLs     []string `yaml:"turnURLs"`
	TURNUsername string   `yaml:"turnUsername"`
	TURNPassword string   `yaml:"turnPassword"`
}

// SettingsFromEnv overlays environment variables on s.
//
// Env vars:
// - STUN_URLS: comma-separated STUN URLs
// - TURN_URLS: comma-separated TURN URLs
// - TURN_USERNAME / TURN_PASSWORD: TURN credentials (if required)
// - ICE_MODE: stun-turn (default), turn-only, stun-only
func SettingsFromEnv(s Settings) Settings {
	if v := strings.TrimSpace(os.Getenv("ICE_MODE")); v != "" {
		s.Mode = v
	}
	if v := strings.TrimSpace(os.Getenv("STUN_URLS")); v != "" {
		s.STUNURLs = splitAndClean(v)
	}
	if v := strings.TrimSpace(os.Getenv("TURN_URLS")); v != "" {
		s.TURNURLs = splitAndClean(v)
	}
	if v := strings.TrimSpace(os.Getenv("TURN_USERNAME")); v != "" {
		s.TURNUsername = v
	}
	if v := strings.TrimSpace(os.Getenv("TURN_PASSWORD")); v != "" {
		s.TURNPassword = v
	}
	return s
}

// Resolve turns settings into the server list advertised to clients.
func Resolve(s Settings) (mode string, servers []protocol.ICEServer) {
	mode = strings.ToLower(strings.TrimSpace(s.Mode))
	if mode == "" {
		mode = ModeSTUNTURN
	}

	turnOnly := mode == ModeTURNOnly
	stunOnly := mode == ModeSTUNOnly

	if !turnOnly {
		if stunURLs := clean(s.STUNURLs); len(stunURLs) > 0 {
			servers = append(servers, protocol.ICEServer{URLs: stunURLs})
		} else {
			servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
		}
	}

	if !stunOnly {
		if turnURLs := clean(s.TURNURLs); len(turnURLs) > 0 {
			servers = append(servers, protocol.ICEServer{
				URLs:       turnURLs,
				Username:   s.TURNUsername,
				Credential: s.TURNPassword,
			})
		} else if !turnOnly {
			log.Debug().Msg("TURN not configured; set TURN_URLS and credentials for relay fallback")
		}
	}

	if turnOnly && len(servers) == 0 {
		log.Warn().Msg("ICE_MODE=turn-only set but no TURN servers are configured; falling back to default STUN")
		servers = append(servers, protocol.ICEServer{URLs: DefaultSTUN})
	}

	log.Info().Str("ice_mode", mode).Int("ice_servers", len(servers)).Msg("ICE servers loaded")
	return mode, servers
}

// LoadFromEnv parses ICE configuration from environment variables only.
func LoadFromEnv() (mode string, servers []protocol.ICEServer) {
	return Resolve(SettingsFromEnv(Settings{}))
}

// ToPion converts advertised servers to the pion configuration type.
func ToPion(servers []protocol.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		srv := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}
		if s.Credential != "" {
			srv.Credential = s.Credential
		}
		out = append(out, srv)
	}
	return out
}

func clean(urls []string) []string {
	var out []string
	for _, u := range urls {
		if v := strings.TrimSpace(u); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func splitAndClean(csv string) []string {
	return clean(strings.Split(csv, ","))
}
