package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/rtp_connection/pkg/ice_agent"
	"github.com/arzzra/rtp_connection/pkg/rtp_connection"
	"github.com/arzzra/rtp_connection/pkg/rtp_endpoint"
	"github.com/arzzra/rtp_connection/pkg/session_spec"
)

// Локальный звонок между двумя RTP соединениями: обмен SDP offer/answer,
// отправка аудио пакетов и метрики на /metrics.
func main() {
	var (
		configPath  = flag.String("config", "", "YAML файл конфигурации (по умолчанию переменные окружения RTPCONN_*)")
		localIP     = flag.String("ip", "127.0.0.1", "Адрес медиа сокетов")
		packets     = flag.Int("packets", 50, "Количество отправляемых RTP пакетов")
		metricsAddr = flag.String("metrics", "", "Адрес HTTP сервера метрик, например :9100")
		hold        = flag.Bool("hold", false, "Не завершаться после звонка, ждать сигнала")
		debug       = flag.Bool("debug", false, "Подробное логирование")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := rtp_connection.LoadConfig(*configPath)
	if err != nil {
		logger.Error("Ошибка конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if *metricsAddr != "" {
		server := &http.Server{
			Addr:              *metricsAddr,
			Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Сервер метрик остановлен", slog.String("error", err.Error()))
			}
		}()
		defer server.Close()
		logger.Info("Метрики доступны", slog.String("addr", *metricsAddr))
	}

	rt := rtp_connection.NewRuntime(
		rtp_connection.WithContext(ctx),
		rtp_connection.WithLogger(logger),
		rtp_connection.WithMetrics(rtp_connection.NewMetrics(registry)),
		rtp_connection.WithComponentStateHandler(func(id string, kind session_spec.MediaKind, _ uint32, _ uint16, state ice_agent.ComponentState) {
			logger.Info("ICE компонент", slog.String("connection_id", id),
				slog.String("media", kind.String()), slog.String("state", state.String()))
		}),
	)
	defer rt.Close()

	managerCfg := rtp_connection.DefaultManagerConfig()
	managerCfg.Connection = cfg
	manager, err := rtp_connection.NewManager(rt, managerCfg)
	if err != nil {
		logger.Error("Ошибка создания менеджера", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer manager.CloseAll()

	if err := runCall(ctx, logger, manager, *localIP, *packets); err != nil {
		logger.Error("Звонок не удался", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if *hold {
		logger.Info("Ожидание сигнала завершения")
		<-ctx.Done()
	}
}

func runCall(ctx context.Context, logger *slog.Logger, manager *rtp_connection.Manager, ip string, count int) error {
	caller, err := newParty(manager, ip, 1)
	if err != nil {
		return fmt.Errorf("caller: %w", err)
	}
	callee, err := newParty(manager, ip, 2)
	if err != nil {
		return fmt.Errorf("callee: %w", err)
	}

	offerSDP, err := publish(caller)
	if err != nil {
		return err
	}
	fmt.Printf("=== OFFER ===\n%s\n", offerSDP)

	offer, err := session_spec.Parse(offerSDP)
	if err != nil {
		return err
	}
	if err := callee.ConnectToRemote(offer, false); err != nil {
		return err
	}

	answerSDP, err := publish(callee)
	if err != nil {
		return err
	}
	fmt.Printf("=== ANSWER ===\n%s\n", answerSDP)

	answer, err := session_spec.Parse(answerSDP)
	if err != nil {
		return err
	}
	if err := caller.ConnectToRemote(answer, true); err != nil {
		return err
	}

	var received atomic.Int64
	if source, ok := callee.MediaSource(); ok {
		if receiver, ok := source.(*rtp_endpoint.Receiver); ok {
			receiver.OnPacket(func(session_spec.MediaKind, *rtp.Packet, net.Addr) {
				received.Add(1)
			})
		}
	}

	sink, ok := caller.MediaSink()
	if !ok {
		return errors.New("приемник медиа недоступен")
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	packet := &rtp.Packet{
		Header:  rtp.Header{PayloadType: 0, SSRC: 0x5EED},
		Payload: make([]byte, 160),
	}
	for seq := 0; seq < count; seq++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		packet.SequenceNumber = uint16(seq)
		packet.Timestamp = uint32(seq) * 160
		if err := sink.WritePacket(session_spec.MediaKindAudio, packet); err != nil {
			return err
		}
	}

	// последние пакеты могут быть еще в пути
	time.Sleep(100 * time.Millisecond)

	stats := manager.GetStatistics()
	logger.Info("Звонок завершен",
		slog.Int("sent", count),
		slog.Int64("received", received.Load()),
		slog.Int("connections", stats.ActiveConnections),
		slog.Int("negotiated", stats.Negotiated))
	return nil
}

func newParty(manager *rtp_connection.Manager, ip string, id uint64) (*rtp_connection.RtpConnection, error) {
	audioPort, err := manager.AllocatePort(ip)
	if err != nil {
		return nil, err
	}
	videoPort, err := manager.AllocatePort(ip)
	if err != nil {
		manager.ReleasePort(audioPort)
		return nil, err
	}

	spec := session_spec.NewSessionSpec(id, 1,
		session_spec.MediaSpec{
			Kind:      session_spec.MediaKindAudio,
			Direction: session_spec.DirectionSendRecv,
			Payloads: []session_spec.Payload{
				{Type: 0, Name: "PCMU", ClockRate: 8000},
				{Type: 8, Name: "PCMA", ClockRate: 8000},
			},
			Transport: session_spec.Transport{Address: ip, Port: audioPort},
		},
		session_spec.MediaSpec{
			Kind:      session_spec.MediaKindVideo,
			Direction: session_spec.DirectionSendRecv,
			Payloads:  []session_spec.Payload{{Type: 96, Name: "VP8", ClockRate: 90000}},
			Transport: session_spec.Transport{Address: ip, Port: videoPort},
		},
	)

	conn, err := manager.CreateConnection(spec)
	if err != nil {
		manager.ReleasePort(audioPort)
		manager.ReleasePort(videoPort)
		return nil, err
	}
	return conn, nil
}

func publish(conn *rtp_connection.RtpConnection) ([]byte, error) {
	spec, err := conn.LocalIceSpec()
	if err != nil {
		return nil, err
	}
	return spec.Marshal()
}
