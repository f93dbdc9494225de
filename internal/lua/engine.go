// Package lua runs user patterns written in Lua. Patterns draw into a frame
// buffer and push it to the strip; only one pattern runs at a time.
package lua

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"adastrip-controller/internal/colormath"
	"adastrip-controller/internal/core"
	"adastrip-controller/internal/logger"

	gcerrors "github.com/gruntwork-io/go-commons/errors"
	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
)

// Strip is what a pattern can draw on.
type Strip interface {
	LEDCount() int
	FillWithMatrix(ctx context.Context, buf colormath.Buffer) error
	SmoothFillWithColor(ctx context.Context, color colormath.Color) error
}

// cmdType defines the type of engine command.
type cmdType int

const (
	cmdRunFile cmdType = iota
	cmdRunString
	cmdStop
)

// engineCmd represents a command sent to the Lua engine.
type engineCmd struct {
	kind cmdType
	name string
	code string
}

// Engine manages the Lua scripting environment using a single worker goroutine
// to ensure only one pattern runs at a time.
type Engine struct {
	strip       Strip
	patternsDir string
	eventBus    *core.EventBus
	log         *logrus.Entry

	mu      sync.RWMutex
	closed  bool
	cmdChan chan engineCmd
	done    chan struct{}
}

// NewEngine creates a new Lua engine and starts its background worker.
func NewEngine(strip Strip, patternsDir string, eb *core.EventBus) *Engine {
	e := &Engine{
		strip:       strip,
		patternsDir: patternsDir,
		eventBus:    eb,
		log:         logger.For("lua"),
		cmdChan:     make(chan engineCmd, 10),
		done:        make(chan struct{}),
	}

	go e.runLoop()

	return e
}

// runLoop is the main worker loop that processes engine commands sequentially.
func (e *Engine) runLoop() {
	defer close(e.done)

	var currentCancel context.CancelFunc
	var scriptDone chan struct{}

	stopCurrent := func() {
		if currentCancel == nil {
			return
		}
		currentCancel()
		select {
		case <-scriptDone:
		case <-time.After(2 * time.Second):
			e.log.Warn("Timeout waiting for script to stop")
		}
		currentCancel = nil
		scriptDone = nil
	}
	defer stopCurrent()

	for cmd := range e.cmdChan {
		stopCurrent()

		if cmd.kind == cmdStop {
			continue
		}

		ctx, cancel := context.WithCancel(context.Background())
		currentCancel = cancel
		scriptDone = make(chan struct{})

		go func(cmd engineCmd, ctx context.Context, done chan struct{}) {
			defer close(done)
			defer gcerrors.Recover(func(cause error) {
				e.log.WithError(cause).Errorf("Pattern '%s' panicked", cmd.name)
			})
			switch cmd.kind {
			case cmdRunFile:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoFile(cmd.code) })
			case cmdRunString:
				e.execute(ctx, cmd.name, func(L *lua.LState) error { return L.DoString(cmd.code) })
			}
		}(cmd, ctx, scriptDone)
	}
}

func (e *Engine) send(cmd engineCmd) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("lua engine is closed")
	}
	e.cmdChan <- cmd
	return nil
}

// Close stops the running pattern and the worker.
func (e *Engine) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.cmdChan)
	}
	e.mu.Unlock()
	<-e.done
}

// StopCurrentPattern stops the currently running script if any.
func (e *Engine) StopCurrentPattern() {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return
	}
	select {
	case e.cmdChan <- engineCmd{kind: cmdStop}:
	default:
		e.log.Warn("Command channel full, could not send stop command")
	}
}

// RunPattern starts the named pattern file, replacing any running one.
func (e *Engine) RunPattern(name string) error {
	scriptPath, err := e.GetPatternPath(name)
	if err != nil {
		return fmt.Errorf("pattern '%s': %w", name, err)
	}
	if _, err := os.Stat(scriptPath); err != nil {
		return fmt.Errorf("pattern '%s': %w", name, err)
	}

	return e.send(engineCmd{
		kind: cmdRunFile,
		name: name,
		code: scriptPath,
	})
}

// ExecuteString runs a one-off Lua chunk as if it were a pattern.
func (e *Engine) ExecuteString(code string) error {
	return e.send(engineCmd{
		kind: cmdRunString,
		name: "single line command",
		code: code,
	})
}

// sanitizeFilename checks for directory traversal and ensures a valid .lua extension.
func sanitizeFilename(name string) (string, error) {
	if !strings.HasSuffix(name, ".lua") {
		return "", fmt.Errorf("filename must end with .lua")
	}
	cleanName := filepath.Base(name)
	if cleanName != name || cleanName == ".lua" || strings.Contains(cleanName, "..") {
		return "", fmt.Errorf("invalid filename")
	}
	return cleanName, nil
}

// GetPatternPath returns the path of a pattern file within the patterns directory.
func (e *Engine) GetPatternPath(name string) (string, error) {
	cleanName, err := sanitizeFilename(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(e.patternsDir, cleanName), nil
}

// GetPatternList scans the patterns directory and returns the available .lua files.
func (e *Engine) GetPatternList() ([]string, error) {
	patterns := []string{}
	files, err := os.ReadDir(e.patternsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return patterns, nil
		}
		return nil, gcerrors.WithStackTrace(err)
	}
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == ".lua" {
			patterns = append(patterns, file.Name())
		}
	}
	return patterns, nil
}

// execute runs Lua code in a fresh state bound to ctx.
func (e *Engine) execute(ctx context.Context, name string, executor func(*lua.LState) error) {
	log := e.log.WithField("pattern", name)
	log.Info("Starting pattern")
	e.publish(name)

	defer func() {
		log.Info("Pattern finished")
		e.publish("")
	}()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	e.registerGoFunctions(L, newSession(ctx, e.strip))

	if err := executor(L); err != nil {
		if ctx.Err() != nil {
			log.Info("Pattern execution was canceled")
		} else {
			log.WithError(err).Error("Error executing pattern")
		}
	}
}

func (e *Engine) publish(running string) {
	if e.eventBus != nil {
		e.eventBus.Publish(core.PatternChanged(running))
	}
}
