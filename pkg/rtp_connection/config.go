package rtp_connection

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/arzzra/rtp_connection/pkg/ice_agent"
	"github.com/arzzra/rtp_connection/pkg/rtp_endpoint"
)

// Значения по умолчанию
const (
	DefaultStunServer       = "193.147.51.24"
	DefaultStunPort         = 3478
	DefaultGatheringTimeout = 10 * time.Second
)

// Config конфигурация RTP соединения.
// Загружается из YAML файла и/или переменных окружения с префиксом RTPCONN_.
type Config struct {
	// STUN сервер для ICE агентов; пустая строка отключает STUN
	StunServer string `yaml:"stun_server" env:"RTPCONN_STUN_SERVER" env-default:"193.147.51.24"`
	StunPort   int    `yaml:"stun_port" env:"RTPCONN_STUN_PORT" env-default:"3478"`

	// GatheringTimeout ограничивает ожидание сбора ICE кандидатов
	GatheringTimeout time.Duration `yaml:"gathering_timeout" env:"RTPCONN_GATHERING_TIMEOUT" env-default:"10s"`

	// Compatibility профиль ICE: rfc5245 или rfc8445
	Compatibility string `yaml:"ice_compatibility" env:"RTPCONN_ICE_COMPATIBILITY" env-default:"rfc5245"`

	// FailOnIceError превращает сбой или таймаут ICE в ошибку создания
	// соединения. По умолчанию соединение продолжает работу без ICE.
	FailOnIceError bool `yaml:"fail_on_ice_error" env:"RTPCONN_FAIL_ON_ICE_ERROR" env-default:"false"`

	// IncludeLoopback разрешает loopback кандидаты
	IncludeLoopback bool `yaml:"ice_include_loopback" env:"RTPCONN_ICE_INCLUDE_LOOPBACK" env-default:"false"`

	// LocalIP адрес привязки медиа сокетов, по умолчанию адрес из спецификации
	LocalIP string `yaml:"local_ip" env:"RTPCONN_LOCAL_IP"`

	SocketBufferSize int  `yaml:"socket_buffer_size" env:"RTPCONN_SOCKET_BUFFER_SIZE" env-default:"1500"`
	DSCP             int  `yaml:"dscp" env:"RTPCONN_DSCP" env-default:"46"`
	ReusePort        bool `yaml:"reuse_port" env:"RTPCONN_REUSE_PORT" env-default:"false"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		StunServer:       DefaultStunServer,
		StunPort:         DefaultStunPort,
		GatheringTimeout: DefaultGatheringTimeout,
		Compatibility:    ice_agent.CompatibilityRFC5245.String(),
		SocketBufferSize: rtp_endpoint.DefaultBufferSize,
		DSCP:             rtp_endpoint.DSCPExpeditedForwarding,
	}
}

// LoadConfig читает конфигурацию из файла (если путь задан) и окружения
func LoadConfig(path string) (Config, error) {
	var cfg Config

	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("ошибка чтения конфигурации: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate проверяет корректность конфигурации
func (c Config) Validate() error {
	if c.StunServer != "" && (c.StunPort <= 0 || c.StunPort > 65535) {
		return fmt.Errorf("порт STUN сервера %d вне диапазона", c.StunPort)
	}
	if c.GatheringTimeout <= 0 {
		return fmt.Errorf("таймаут сбора кандидатов должен быть положительным")
	}
	if _, ok := ice_agent.ParseCompatibility(c.Compatibility); !ok {
		return fmt.Errorf("неизвестный профиль ICE: %s", c.Compatibility)
	}
	if err := c.socketOptions().Validate(); err != nil {
		return fmt.Errorf("неверные параметры сокета: %w", err)
	}
	return nil
}

func (c Config) compatibility() ice_agent.Compatibility {
	compat, _ := ice_agent.ParseCompatibility(c.Compatibility)
	return compat
}

func (c Config) socketOptions() rtp_endpoint.SocketOptions {
	return rtp_endpoint.SocketOptions{
		BufferSize: c.SocketBufferSize,
		DSCP:       c.DSCP,
		ReusePort:  c.ReusePort,
	}
}
