package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tensorplane/aidag/internal/config"
	"github.com/tensorplane/aidag/internal/engine"
	"github.com/tensorplane/aidag/internal/logutil"
)

func newServeCmd() *cobra.Command {
	var (
		addr     string
		httpAddr string
		dbPath   string
		compat   bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the aidag engine as a TCP+HTTP service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(addr, httpAddr, dbPath, compat)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:6400", "TCP address for the command protocol")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "127.0.0.1:6401", "HTTP address for the stats endpoint")
	cmd.Flags().StringVar(&dbPath, "db", "./aidag.db", "path to the SQLite keyspace file")
	cmd.Flags().BoolVar(&compat, "compat", false, "accept deprecated command aliases' PERSIST behavior")
	return cmd
}

func runServe(addr, httpAddr, dbPath string, compat bool) error {
	slog.SetDefault(logutil.NewLogger(os.Stderr, slog.Level(-4*config.LogLevel())))

	e, err := engine.Open(dbPath)
	if err != nil {
		return fmt.Errorf("aidagd: open engine: %w", err)
	}
	defer e.Close()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("aidagd: listen: %w", err)
	}
	slog.Info("command protocol listening", "addr", addr)

	go serveStatsHTTP(httpAddr, e)

	return acceptLoop(ln, e, compat)
}

func acceptLoop(ln net.Listener, e *engine.Engine, compat bool) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go handleConn(conn, e, compat)
	}
}

func handleConn(conn net.Conn, e *engine.Engine, compat bool) {
	defer conn.Close()
	connID := uuid.NewString()
	slog.Debug("connection accepted", "conn", connID, "remote", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		argv := tokenize(scanner.Text())
		if len(argv) == 0 {
			continue
		}

		client := newConnClient()
		if err := e.Execute(argv, compat, client); err != nil {
			slog.Debug("command rejected", "conn", connID, "cmd", argv[0], "error", err)
			fmt.Fprintf(conn, "ERR %s\n.\n", err.Error())
			continue
		}
		result := <-client.done
		for _, line := range formatReply(result) {
			fmt.Fprintln(conn, line)
		}
		fmt.Fprintln(conn, ".")
	}
}

// serveStatsHTTP exposes the stats registry as JSON for the "stats" CLI
// subcommand (and any other monitoring client) to poll.
func serveStatsHTTP(addr string, e *engine.Engine) {
	gin.SetMode(gin.ReleaseMode)
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = config.AllowedOrigins()
	corsConfig.AllowMethods = []string{"GET"}

	r := gin.New()
	r.Use(gin.Recovery(), cors.New(corsConfig))
	r.GET("/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, e.Stats.Snapshot())
	})
	if err := r.Run(addr); err != nil {
		slog.Error("stats http server exited", "error", err)
	}
}
