package config

import (
	"fmt"
	"strings"
	"time"
)

type ServerConfig struct {
	HTTP HTTPConfig `koanf:"http"`
	GRPC GRPCConfig `koanf:"grpc"`
}

type HTTPConfig struct {
	Port    int `koanf:"port"`
	Timeout struct {
		Read       time.Duration `koanf:"read"`
		Write      time.Duration `koanf:"write"`
		Idle       time.Duration `koanf:"idle"`
		ReadHeader time.Duration `koanf:"readheader"`
	} `koanf:"timeout"`
}

type GRPCConfig struct {
	Enabled bool `koanf:"enabled"`
	Port    int  `koanf:"port"`
}

func (c *ServerConfig) String() string {
	var b strings.Builder
	b.WriteString("\n--- Server ---\n")
	b.WriteString(fmt.Sprintf("  server.http.port: %d\n", c.HTTP.Port))
	b.WriteString(fmt.Sprintf("  server.http.timeout.read: %v\n", c.HTTP.Timeout.Read))
	b.WriteString(fmt.Sprintf("  server.http.timeout.write: %v\n", c.HTTP.Timeout.Write))
	b.WriteString(fmt.Sprintf("  server.http.timeout.idle: %v\n", c.HTTP.Timeout.Idle))
	b.WriteString(fmt.Sprintf("  server.http.timeout.readheader: %v\n", c.HTTP.Timeout.ReadHeader))
	b.WriteString(fmt.Sprintf("  server.grpc.enabled: %t\n", c.GRPC.Enabled))
	b.WriteString(fmt.Sprintf("  server.grpc.port: %d\n", c.GRPC.Port))
	return b.String()
}

func (c *ServerConfig) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP server port: %d", c.HTTP.Port)
	}
	if c.HTTP.Timeout.Read <= 0 {
		return fmt.Errorf("invalid HTTP server read timeout: %v", c.HTTP.Timeout.Read)
	}
	if c.HTTP.Timeout.Write <= 0 {
		return fmt.Errorf("invalid HTTP server write timeout: %v", c.HTTP.Timeout.Write)
	}
	if c.HTTP.Timeout.Idle <= 0 {
		return fmt.Errorf("invalid HTTP server idle timeout: %v", c.HTTP.Timeout.Idle)
	}
	if c.HTTP.Timeout.ReadHeader <= 0 {
		return fmt.Errorf("invalid HTTP server read header timeout: %v", c.HTTP.Timeout.ReadHeader)
	}
	if c.GRPC.Enabled {
		if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
			return fmt.Errorf("invalid gRPC server port: %d", c.GRPC.Port)
		}
		if c.GRPC.Port == c.HTTP.Port {
			return fmt.Errorf("gRPC and HTTP servers cannot share port %d", c.GRPC.Port)
		}
	}
	return nil
}
