package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	serial "github.com/luhtfiimanal/go-duplex-serial"
	"gopkg.in/natefinch/lumberjack.v2"
)

type options struct {
	device   string
	baud     uint
	timeout  time.Duration
	driver   string
	dataBits int
	parity   string
	stopBits int
	flow     string
	message  string
	count    int
	interval time.Duration
}

func main() {
	var opts options
	mode := flag.String("mode", "listen", "Mode: listen, send, or loopback")
	flag.StringVar(&opts.device, "device", "/dev/ttyUSB0", "Serial device")
	flag.UintVar(&opts.baud, "baud", 115200, "Baud rate")
	flag.DurationVar(&opts.timeout, "timeout", time.Second, "Read timeout")
	flag.StringVar(&opts.driver, "driver", "", "Device driver: termios or native (default depends on OS)")
	flag.IntVar(&opts.dataBits, "data-bits", 8, "Data bits: 5, 6, 7 or 8")
	flag.StringVar(&opts.parity, "parity", "none", "Parity: none, odd or even")
	flag.IntVar(&opts.stopBits, "stop-bits", 1, "Stop bits: 1 or 2")
	flag.StringVar(&opts.flow, "flow", "none", "Flow control: none, software or hardware")
	flag.StringVar(&opts.message, "message", "TEST", "Message to send")
	flag.IntVar(&opts.count, "count", 10, "Number of messages")
	flag.DurationVar(&opts.interval, "interval", time.Second, "Interval between sends")
	listPorts := flag.Bool("list-ports", false, "List available serial ports and exit")
	debug := flag.Bool("debug", false, "Enable debug logging")
	logFile := flag.String("log-file", "", "Write JSON logs to this file with rotation instead of stdout")
	flag.Parse()

	if *listPorts {
		ports, err := serial.ListPorts()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing ports: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Available serial ports:")
		if len(ports) == 0 {
			fmt.Println("  (none found)")
		}
		for _, port := range ports {
			fmt.Printf("  %s\n", port)
		}
		os.Exit(0)
	}

	logger := setupLogging(*logFile, *debug)
	slog.SetDefault(logger)

	port, err := openPort(opts, logger)
	if err != nil {
		logger.Error("Failed to open port", "error", err)
		os.Exit(1)
	}
	defer port.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch *mode {
	case "listen":
		err = listen(ctx, port, logger)
	case "send":
		err = send(ctx, port, opts, logger)
	case "loopback":
		err = loopback(port, opts, logger)
	default:
		err = fmt.Errorf("invalid mode %q, use listen, send or loopback", *mode)
	}
	if err != nil {
		logger.Error("serialcat failed", "mode", *mode, "error", err)
		os.Exit(1)
	}
}

func openPort(opts options, logger *slog.Logger) (*serial.Port, error) {
	cfg := serial.Config{
		Device:   opts.device,
		BaudRate: uint32(opts.baud),
		Timeout:  opts.timeout,
		Logger:   logger,
	}
	switch opts.driver {
	case "":
	case "native":
		cfg.Opener = serial.OpenNative
	case "termios":
		opener, err := termiosOpener()
		if err != nil {
			return nil, err
		}
		cfg.Opener = opener
	default:
		return nil, fmt.Errorf("unknown driver %q", opts.driver)
	}

	port, err := serial.OpenConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := configure(port, opts); err != nil {
		port.Close()
		return nil, err
	}
	return port, nil
}

func configure(port *serial.Port, opts options) error {
	parity, err := convertParity(opts.parity)
	if err != nil {
		return err
	}
	flow, err := convertFlowControl(opts.flow)
	if err != nil {
		return err
	}
	if !port.SetCharSize(serial.CharSize(opts.dataBits)) {
		return fmt.Errorf("failed to set data bits %d", opts.dataBits)
	}
	if !port.SetParity(parity) {
		return fmt.Errorf("failed to set parity %s", parity)
	}
	if !port.SetStopBits(opts.stopBits == 2) {
		return fmt.Errorf("failed to set stop bits %d", opts.stopBits)
	}
	if !port.SetFlowControl(flow) {
		return fmt.Errorf("failed to set flow control %s", flow)
	}
	return nil
}

func listen(ctx context.Context, port *serial.Port, logger *slog.Logger) error {
	builder, err := port.CreateListenerBuilder()
	if err != nil {
		return err
	}
	serial.AddCallback(builder, os.Stdout, func(userData any, line []byte) {
		fmt.Fprintf(userData.(*os.File), "[%s] %s\n", time.Now().Format("15:04:05.000"), line)
	})
	builder.OnError(func(kind serial.SerialError, err error) {
		logger.Warn("Read error", "kind", kind, "error", err)
	})
	listener, err := builder.Build()
	if err != nil {
		return err
	}

	logger.Info("Listening", "device", port.Path())
	listener.ListenContext(ctx)
	<-ctx.Done()

	stats := port.Stats()
	logger.Info("Listener stopped", "lines", stats.LinesRead, "bytes", stats.BytesRead, "errors", stats.Errors)
	return nil
}

func send(ctx context.Context, port *serial.Port, opts options, logger *slog.Logger) error {
	for i := 0; i < opts.count; i++ {
		msg := fmt.Sprintf("[%d] %s %s\n", i+1, opts.message, time.Now().Format("15:04:05.000"))
		if kind := port.WriteString(msg); kind != serial.NoError {
			logger.Warn("Write error", "kind", kind, "retryable", kind.Retryable())
			continue
		}
		logger.Info("Sent", "bytes", len(msg), "message", strings.TrimSpace(msg))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(opts.interval):
		}
	}
	return nil
}

// loopback expects TX and RX to be wired together.
func loopback(port *serial.Port, opts options, logger *slog.Logger) error {
	failures := 0
	for i := 0; i < opts.count; i++ {
		want := fmt.Sprintf("%s-%d", opts.message, i+1)
		if kind := port.WriteString(want + "\n"); kind != serial.NoError {
			logger.Warn("Write error", "kind", kind)
			failures++
			continue
		}

		var got strings.Builder
		if _, kind := port.ReadLine(&got); kind != serial.NoError {
			logger.Warn("No data received", "kind", kind)
			failures++
			continue
		}
		if got.String() != want {
			logger.Warn("Received different", "want", want, "got", got.String())
			failures++
			continue
		}
		logger.Info("Loopback OK", "message", want)
	}
	if failures > 0 {
		return fmt.Errorf("%d of %d loopback messages failed", failures, opts.count)
	}
	return nil
}

func convertParity(parity string) (serial.Parity, error) {
	switch parity {
	case "none":
		return serial.ParityNone, nil
	case "odd":
		return serial.ParityOdd, nil
	case "even":
		return serial.ParityEven, nil
	default:
		return 0, fmt.Errorf("invalid parity %q", parity)
	}
}

func convertFlowControl(flow string) (serial.FlowControl, error) {
	switch flow {
	case "none":
		return serial.FlowControlNone, nil
	case "software":
		return serial.FlowControlSoftware, nil
	case "hardware":
		return serial.FlowControlHardware, nil
	default:
		return 0, fmt.Errorf("invalid flow control %q", flow)
	}
}

func setupLogging(logFile string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if logFile != "" {
		writer := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10,
			MaxBackups: 3,
			Compress:   true,
		}
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
