// Package app provides the dependency injection container for the application.
package app

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/perch-dev/perch/internal/dispatch"
	"github.com/perch-dev/perch/internal/domain"
	"github.com/perch-dev/perch/internal/infra/agents"
	"github.com/perch-dev/perch/internal/infra/config"
	"github.com/perch-dev/perch/internal/infra/ipc"
	"github.com/perch-dev/perch/internal/infra/logging"
	"github.com/perch-dev/perch/internal/infra/projectstore"
	"github.com/perch-dev/perch/internal/infra/worktree"
	"github.com/perch-dev/perch/internal/orchestrator"
)

// Container holds all port implementations and the orchestrator built on
// top of them.
type Container struct {
	// Ports (interfaces bound to implementations)
	Store        domain.ProjectStore
	Worktrees    domain.WorktreeManager
	Agents       domain.AgentResolver
	Windows      domain.WindowRegistrar
	Clock        domain.Clock
	ConfigLoader domain.ConfigLoader

	// Pointer fields
	AppConfig    *domain.Config
	Logger       *logging.Logger
	Slog         *slog.Logger
	Pending      *dispatch.PendingRegistry
	Orchestrator *orchestrator.Orchestrator

	// ProjectDir is the project root the container was built for. May be
	// empty when no project is involved (e.g. listing agents).
	ProjectDir string
}

// New creates a Container for the given project directory.
func New(projectDir string) (*Container, error) {
	configLoader := config.NewLoader(projectDir)
	appConfig, err := configLoader.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	level := logging.ParseLevel(appConfig.Log.Level)
	fileLogger := logging.New(projectDir, level)
	slogger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))

	manifestPath := ""
	if projectDir != "" {
		manifestPath = filepath.Join(projectDir, agents.ManifestFileName)
	}
	resolver, err := agents.NewResolver(appConfig, manifestPath)
	if err != nil {
		return nil, fmt.Errorf("load agent manifest: %w", err)
	}

	pending := dispatch.NewPendingRegistry()
	windows := &windowRecorder{logger: fileLogger}

	c := &Container{
		Store:        projectstore.New(),
		Worktrees:    worktree.NewManager(slogger),
		Agents:       resolver,
		Windows:      windows,
		Clock:        domain.RealClock{},
		ConfigLoader: configLoader,
		AppConfig:    appConfig,
		Logger:       fileLogger,
		Slog:         slogger,
		Pending:      pending,
		ProjectDir:   projectDir,
	}
	c.Orchestrator = orchestrator.New(
		c.Store, c.Worktrees, c.Agents, c.Windows, c.Logger, c.Clock, c.Pending,
	)
	return c, nil
}

// NewConn wires a child-process connection to the message router and the
// orchestrator. The caller owns Start/Stop.
func (c *Container) NewConn(command []string) (*ipc.Conn, *dispatch.Router) {
	conn := ipc.New(command, c.Slog)
	router := dispatch.NewRouter(conn, c.Slog)
	router.Register(c.Orchestrator)
	conn.OnMessage(router.Dispatch)
	c.Orchestrator.SetResponder(conn)
	return conn, router
}

// Close releases container resources.
func (c *Container) Close() error {
	if c.Logger != nil {
		return c.Logger.Close()
	}
	return nil
}

// windowRecorder is the default WindowRegistrar: it only records the
// association in the log. Platform window managers can replace it.
type windowRecorder struct {
	logger domain.Logger
}

var _ domain.WindowRegistrar = (*windowRecorder)(nil)

func (w *windowRecorder) RegisterWindow(taskspaceID string, shellPID int, title string) {
	w.logger.Info(taskspaceID, "window",
		fmt.Sprintf("window registered: pid=%d title=%q", shellPID, title))
}
