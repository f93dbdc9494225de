package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"adastrip-controller/internal/core"
	"adastrip-controller/internal/logger"

	"github.com/gruntwork-io/go-commons/errors"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ScheduleEntry defines the structure for a saved schedule.
type ScheduleEntry = core.ScheduleSpec

// Scheduler manages all cron-related tasks.
type Scheduler struct {
	cron           *cron.Cron
	store          map[cron.EntryID]ScheduleEntry
	commandChannel core.CommandChannel
	mu             sync.RWMutex
	schedulesFile  string
	log            *logrus.Entry
}

// NewScheduler creates and loads a scheduler.
func NewScheduler(cmdChan core.CommandChannel, schedulesFile string) *Scheduler {
	s := &Scheduler{
		cron:           cron.New(),
		store:          make(map[cron.EntryID]ScheduleEntry),
		commandChannel: cmdChan,
		schedulesFile:  schedulesFile,
		log:            logger.For("scheduler"),
	}
	s.load()
	return s
}

// Start begins the cron job ticker.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("Cron scheduler started")
}

// Stop halts the cron job ticker and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("Cron scheduler stopped")
}

// Add validates command, registers it under spec and persists the schedule list.
func (s *Scheduler) Add(spec, command string) (int, error) {
	if _, err := ParseCommand(command); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, err := s.cron.AddFunc(spec, func() { s.execute(command) })
	if err != nil {
		return 0, fmt.Errorf("%w: schedule %q: %v", core.ErrMalformedCommand, spec, err)
	}
	s.store[id] = ScheduleEntry{Spec: spec, Command: command}
	if err := s.save(); err != nil {
		s.log.WithError(err).Error("Error saving schedules")
	}
	s.log.WithFields(logrus.Fields{"id": id, "spec": spec, "command": command}).Info("Added schedule")
	return int(id), nil
}

// Remove deletes a cron job.
func (s *Scheduler) Remove(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID := cron.EntryID(id)
	if _, ok := s.store[entryID]; !ok {
		return fmt.Errorf("schedule %d not found", id)
	}
	s.cron.Remove(entryID)
	delete(s.store, entryID)
	if err := s.save(); err != nil {
		s.log.WithError(err).Error("Error saving schedules")
	}
	s.log.WithField("id", id).Info("Removed schedule")
	return nil
}

// GetAll returns a copy of the current schedules ordered by id.
func (s *Scheduler) GetAll() []core.Schedule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := make([]core.Schedule, 0, len(s.store))
	for id, entry := range s.store {
		list = append(list, core.Schedule{ID: int(id), ScheduleSpec: entry})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

func (s *Scheduler) execute(command string) {
	s.log.WithField("command", command).Info("Executing scheduled command")
	cmd, err := ParseCommand(command)
	if err != nil {
		s.log.WithError(err).Warn("Skipping scheduled command")
		return
	}
	s.commandChannel <- cmd
}

// ParseCommand turns a schedule command string into a Command. Accepted forms:
//
//	power on|off
//	color R G B
//	brightness N
//	temperature K
//	pattern NAME
//	stop
func ParseCommand(command string) (core.Command, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return core.Command{}, fmt.Errorf("%w: empty schedule command", core.ErrMalformedCommand)
	}

	args := parts[1:]
	ints := func(n int) ([]int, error) {
		if len(args) != n {
			return nil, fmt.Errorf("%w: %q expects %d argument(s)", core.ErrMalformedCommand, parts[0], n)
		}
		out := make([]int, n)
		for i, a := range args {
			v, err := strconv.Atoi(a)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", core.ErrMalformedCommand, command, err)
			}
			out[i] = v
		}
		return out, nil
	}

	switch parts[0] {
	case "power":
		if len(args) == 1 && (args[0] == "on" || args[0] == "off") {
			return core.PowerCommand(args[0] == "on"), nil
		}
		return core.Command{}, fmt.Errorf("%w: power expects on or off", core.ErrMalformedCommand)

	case "color":
		v, err := ints(3)
		if err != nil {
			return core.Command{}, err
		}
		for _, c := range v {
			if c < 0 || c > 255 {
				return core.Command{}, fmt.Errorf("%w: channel %d out of range", core.ErrMalformedCommand, c)
			}
		}
		return core.ColorCommand(core.RGB{R: v[0], G: v[1], B: v[2]}), nil

	case "brightness":
		v, err := ints(1)
		if err != nil {
			return core.Command{}, err
		}
		if v[0] < 0 || v[0] > 100 {
			return core.Command{}, fmt.Errorf("%w: brightness %d out of range", core.ErrMalformedCommand, v[0])
		}
		return core.BrightnessCommand(v[0]), nil

	case "temperature":
		v, err := ints(1)
		if err != nil {
			return core.Command{}, err
		}
		if v[0] < core.MinKelvin || v[0] > core.MaxKelvin {
			return core.Command{}, fmt.Errorf("%w: temperature %d out of range", core.ErrMalformedCommand, v[0])
		}
		return core.TemperatureCommand(v[0]), nil

	case "pattern":
		if len(args) != 1 {
			return core.Command{}, fmt.Errorf("%w: pattern expects a name", core.ErrMalformedCommand)
		}
		return core.Command{Type: core.CmdRunPattern, Pattern: args[0]}, nil

	case "stop":
		return core.Command{Type: core.CmdStopPattern}, nil
	}

	return core.Command{}, fmt.Errorf("%w: unknown schedule command %q", core.ErrMalformedCommand, parts[0])
}

func (s *Scheduler) save() error {
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return errors.WithStackTrace(err)
	}
	if err := os.WriteFile(s.schedulesFile, data, 0o644); err != nil {
		return errors.WithStackTrace(err)
	}
	return nil
}

func (s *Scheduler) load() {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.schedulesFile)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).Error("Error reading schedule file")
		}
		return
	}

	tempStore := make(map[cron.EntryID]ScheduleEntry)
	if err := json.Unmarshal(data, &tempStore); err != nil {
		s.log.WithError(err).Error("Error unmarshalling schedule file")
		return
	}

	s.log.WithField("file", s.schedulesFile).Infof("Loading %d schedules", len(tempStore))
	for _, entry := range tempStore {
		jobEntry := entry
		newID, err := s.cron.AddFunc(jobEntry.Spec, func() { s.execute(jobEntry.Command) })
		if err != nil {
			s.log.WithError(err).Error("Error re-adding schedule from file")
			continue
		}
		s.store[newID] = jobEntry
	}
}
