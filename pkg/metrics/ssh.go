package metrics

import "github.com/neuroinsight/orchestrator/pkg/sshsession"

type sshConnectionInfo struct {
	connected   bool
	idleSeconds int
}

func sessionInfo(s *sshsession.Session) *sshConnectionInfo {
	if s == nil {
		return nil
	}
	info := s.ConnectionInfo()
	return &sshConnectionInfo{connected: info.Connected, idleSeconds: info.LastActivitySeconds}
}
