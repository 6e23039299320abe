package ice

import (
	"github.com/pion/webrtc/v3"
	"github.com/yixinin/pairup/config"
)

var Config = webrtc.Configuration{
	ICEServers: []webrtc.ICEServer{
		{
			URLs: []string{"stun:stun.l.google.com:19302"},
		},
	},
}

// FromConfig builds the pion configuration, falling back to Config when
// nothing is configured.
func FromConfig(c config.ICEConfig) webrtc.Configuration {
	var servers []webrtc.ICEServer
	if len(c.STUN) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: c.STUN})
	}
	for _, s := range c.Servers {
		if len(s.URLs) == 0 {
			continue
		}
		server := webrtc.ICEServer{URLs: s.URLs}
		if s.Username != "" {
			server.Username = s.Username
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, server)
	}
	if len(servers) == 0 {
		return Config
	}
	return webrtc.Configuration{ICEServers: servers}
}
