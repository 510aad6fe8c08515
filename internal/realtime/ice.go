package realtime

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"

	"github.com/aura-telehealth/backend/pkg/response"
)

// DefaultICEURL is used when no ICE servers are configured.
const DefaultICEURL = "stun:stun.l.google.com:19302"

// ICEServers builds the ICE server list handed to clients. TURN credentials
// are attached to turn: and turns: URLs only.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = username
			s.Credential = credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, s)
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{DefaultICEURL}})
	}
	return servers
}

// ICEServersHandler serves GET /webrtc/ice-servers.
func ICEServersHandler(servers []webrtc.ICEServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		response.OK(c, gin.H{"ice_servers": servers})
	}
}
