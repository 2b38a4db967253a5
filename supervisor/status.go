package supervisor

import (
	"time"

	"github.com/shirou/gopsutil/v4/process"
	mcpschema "github.com/viant/mcp-protocol/schema"
)

// Status is the supervisor view exposed on the readiness endpoint.
type Status struct {
	State      string                    `json:"state"`
	Ready      bool                      `json:"ready"`
	Exhausted  bool                      `json:"exhausted,omitempty"`
	PID        int                       `json:"pid,omitempty"`
	Restarts   int                       `json:"restarts"`
	Uptime     string                    `json:"uptime,omitempty"`
	LastExit   *Exit                     `json:"lastExit,omitempty"`
	Server     *mcpschema.Implementation `json:"server,omitempty"`
	RSSBytes   uint64                    `json:"rssBytes,omitempty"`
	CPUPercent float64                   `json:"cpuPercent,omitempty"`
	Queued     int                       `json:"queuedFrames"`
}

// Status returns a snapshot of the upstream process state.
func (s *Supervisor) Status() *Status {
	s.mux.Lock()
	ret := &Status{
		State:     s.state.String(),
		Ready:     s.state == Ready,
		Exhausted: s.exhausted,
		Restarts:  s.restarts,
		LastExit:  s.lastExit,
		Server:    s.server,
	}
	c := s.current
	s.mux.Unlock()
	ret.Queued, _ = s.writer.Len()
	if c == nil || c.cmd.Process == nil {
		return ret
	}
	ret.PID = c.cmd.Process.Pid
	ret.Uptime = time.Since(c.started).Round(time.Second).String()
	if proc, err := process.NewProcess(int32(ret.PID)); err == nil {
		if memory, err := proc.MemoryInfo(); err == nil && memory != nil {
			ret.RSSBytes = memory.RSS
		}
		if cpu, err := proc.CPUPercent(); err == nil {
			ret.CPUPercent = cpu
		}
	}
	return ret
}

// Restarts returns the number of restart attempts made so far.
func (s *Supervisor) Restarts() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.restarts
}
