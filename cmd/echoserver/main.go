package main

import (
	"errors"
	"flag"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/Clouded-Sabre/ptcp/config"
	"github.com/Clouded-Sabre/ptcp/lib"
	log "github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "YAML or TOML configuration file")
	listenAddr := flag.String("listen", "", "UDP address to listen on (overrides local_addr)")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.LoadConfig(*configPath); err != nil {
			log.Fatalln("Configuration file error:", err)
		}
	}
	if *listenAddr != "" {
		cfg.LocalAddr = *listenAddr
	}
	if err := cfg.ApplyLogLevel(); err != nil {
		log.Fatalln(err)
	}

	pcpCoreObj, err := lib.NewPcpCore(cfg.LocalAddr, lib.NewPcpCoreConfig(cfg))
	if err != nil {
		log.Fatalln(err)
	}

	srv, err := pcpCoreObj.Listen()
	if err != nil {
		log.Fatalln("Listen error:", err)
	}
	log.Printf("Echo server listening on %s", srv.Addr())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("Shutting down")
		srv.Close()
	}()

	for {
		conn, err := srv.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			log.Println("Accept error:", err)
			continue
		}
		log.Printf("New connection from %s (conversation %d)", conn.RemoteAddr(), conn.Conversation())
		go handleConn(conn, cfg.BufferSize)
	}

	if err := pcpCoreObj.Close(); err != nil {
		log.Errorln("Close:", err)
	}
}

func handleConn(c *lib.Connection, bufferSize int) {
	defer c.Close()
	buf := make([]byte, bufferSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				log.Println("Connection closed by client")
				return
			}
			log.Println("Read error:", err)
			return
		}
		log.Debugf("Echo server got: %s", string(buf[:n]))
		if _, err = c.Write(buf[:n]); err != nil {
			log.Println("Write error:", err)
			return
		}
	}
}
