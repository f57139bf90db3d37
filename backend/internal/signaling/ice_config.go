package signaling

import "github.com/pion/webrtc/v3"

type TURNServer struct {
	URL        string `mapstructure:"url"`
	Username   string `mapstructure:"username"`
	Credential string `mapstructure:"credential"`
}

type ICEOptions struct {
	STUN []string     `mapstructure:"stun"`
	TURN []TURNServer `mapstructure:"turn"`
}

var defaultSTUN = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// WebRTCConfig 客户端建立 PeerConnection 需要的配置
func WebRTCConfig(opt ICEOptions) webrtc.Configuration {
	stunServers := opt.STUN
	if len(stunServers) == 0 {
		stunServers = defaultSTUN
	}

	var iceServers []webrtc.ICEServer
	for _, stun := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs: []string{stun},
		})
	}
	for _, turn := range opt.TURN {
		if turn.URL == "" {
			continue
		}
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       []string{turn.URL},
			Username:   turn.Username,
			Credential: turn.Credential,
		})
	}

	return webrtc.Configuration{
		ICEServers:         iceServers,
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
		BundlePolicy:       webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:      webrtc.RTCPMuxPolicyRequire,
	}
}
