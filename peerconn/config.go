package peerconn

import "time"

// Config tunes timing and buffering for a PeerConn, following the
// gopkg.in/yaml.v2 + applyDefaults() idiom the teacher uses throughout
// (e.g. bandwidth.Config, lib/torrent/scheduler/conn.Config).
type Config struct {
	SenderBufferSize   int           `yaml:"sender_buffer_size"`
	ReceiverBufferSize int           `yaml:"receiver_buffer_size"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	IdleSendTimeout    time.Duration `yaml:"idle_send_timeout"`
	IdleRecvTimeout    time.Duration `yaml:"idle_recv_timeout"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	PipelineDepth      int           `yaml:"pipeline_depth"`
	MaxRequestTimeouts int           `yaml:"max_request_timeouts"`
}

func (c Config) applyDefaults() Config {
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.IdleSendTimeout == 0 {
		c.IdleSendTimeout = 90 * time.Second
	}
	if c.IdleRecvTimeout == 0 {
		c.IdleRecvTimeout = 120 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PipelineDepth == 0 {
		c.PipelineDepth = 32
	}
	if c.MaxRequestTimeouts == 0 {
		c.MaxRequestTimeouts = 3
	}
	return c
}
