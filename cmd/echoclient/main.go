package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Clouded-Sabre/ptcp/config"
	"github.com/Clouded-Sabre/ptcp/lib"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "YAML or TOML configuration file")
	serverAddr := flag.String("server", "", "Echo server UDP address (overrides server_addr)")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "Interval between messages (e.g., 500ms, 1s)")
	count := flag.Int("count", 0, "Number of messages to send, 0 runs until interrupted")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalln("Configuration file error:", err)
		}
	}
	if *serverAddr != "" {
		cfg.ServerAddr = *serverAddr
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		log.Fatalln(err)
	}

	pcpCoreObj, err := lib.NewPcpCore(cfg.LocalAddr, lib.NewPcpCoreConfig(cfg))
	if err != nil {
		log.Fatalln(err)
	}
	defer pcpCoreObj.Close()

	reconnectCfg := lib.NewReconnectConfig(cfg)
	reconnectCfg.OnReconnect = func() {
		log.Println("[RECONNECT] Successfully reconnected to echo server")
	}
	reconnectCfg.OnFinalFailure = func(err error) {
		log.Printf("[RECONNECT] Failed to reconnect after all retries: %v", err)
	}
	dialCfg := &lib.DialConfig{
		PcpCore:     pcpCoreObj,
		RemoteAddr:  cfg.ServerAddr,
		DialTimeout: 10 * time.Second,
	}

	conn, err := lib.DialReconnecting(context.Background(), reconnectCfg, dialCfg)
	if err != nil {
		log.Errorln("Error connecting:", err)
		return
	}
	defer conn.Close()
	fmt.Println("Echo client connected to server!")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

	var (
		buffer       = make([]byte, cfg.BufferSize)
		successCount = 0
		failureCount = 0
		packetCount  = 0
	)

loop:
	for *count == 0 || packetCount < *count {
		select {
		case <-sigChan:
			break loop
		case <-ticker.C:
		}

		packetCount++
		message := fmt.Sprintf("Echo message %d", packetCount)
		log.Debugf("[%d] Sending: %s", packetCount, message)
		if _, err := conn.Write([]byte(message)); err != nil {
			log.Printf("[%d] Error writing: %v", packetCount, err)
			failureCount++
			continue
		}

		conn.SetReadDeadline(time.Now().Add(*packetInterval + 100*time.Millisecond))
		n, err := io.ReadAtLeast(conn, buffer, len(message))
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				log.Printf("[%d] Read timeout (no response yet), continuing...", packetCount)
			} else {
				log.Printf("[%d] Error reading: %v", packetCount, err)
			}
			failureCount++
			continue
		}

		if response := string(buffer[:n]); response == message {
			successCount++
		} else {
			log.Printf("[%d] Echo mismatch! Expected: %s, Got: %s", packetCount, message, response)
			failureCount++
		}
	}

	fmt.Printf("\n=== Echo Client Statistics ===\n")
	fmt.Printf("Total messages sent: %d\n", packetCount)
	fmt.Printf("Successful echoes: %d\n", successCount)
	fmt.Printf("Failed echoes: %d\n", failureCount)
	if packetCount > 0 {
		fmt.Printf("Success rate: %.1f%%\n", float64(successCount)/float64(packetCount)*100)
	}
}
