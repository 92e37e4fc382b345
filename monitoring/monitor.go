// Package monitoring serves the state of a running machine over HTTP.
package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"runtime/pprof"
	"sort"
	"strconv"
	"sync"
	"time"

	// Enable profiling
	_ "net/http/pprof"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"

	"github.com/sarchlab/vmcore/mem/vm"
	"github.com/sarchlab/vmcore/mem/vm/fault"
	"github.com/sarchlab/vmcore/mem/vm/mm"
	"github.com/sarchlab/vmcore/mem/vm/mmu"
	"github.com/sarchlab/vmcore/mem/vm/tlb"
	"github.com/sarchlab/vmcore/monitoring/web"
	"github.com/sarchlab/vmcore/sim"
)

// A Machine is what the monitor reports on.
type Machine interface {
	MemInfo() mm.MemInfo
	Spaces() []*mm.AddressSpace
	Cores() []*mmu.Core
	FaultStats() fault.Stats
	ShootdownStats() tlb.ControllerStats
}

// Monitor turns a machine into a server that can be inspected while it
// runs.
type Monitor struct {
	machine    Machine
	portNumber int

	serverLock sync.Mutex
	server     *http.Server
	port       int

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// RegisterMachine sets the machine to report on.
func (m *Monitor) RegisterMachine(machine Machine) {
	m.machine = machine
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        sim.GetIDGenerator().Generate(),
		Name:      name,
		StartTime: time.Now(),
		Total:     total,
	}

	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	m.progressBars = append(m.progressBars, bar)

	return bar
}

// CompleteProgressBar removes a bar to be shown on the webpage.
func (m *Monitor) CompleteProgressBar(pb *ProgressBar) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	newBars := make([]*ProgressBar, 0, len(m.progressBars))
	for _, b := range m.progressBars {
		if b != pb {
			newBars = append(newBars, b)
		}
	}

	m.progressBars = newBars
}

func (m *Monitor) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/meminfo", m.memInfo)
	r.HandleFunc("/api/spaces", m.listSpaces)
	r.HandleFunc("/api/space/{pid}", m.spaceDetails)
	r.HandleFunc("/api/cores", m.listCores)
	r.HandleFunc("/api/faults", m.faultStats)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns the port it
// listens on.
func (m *Monitor) StartServer() int {
	m.serverLock.Lock()
	defer m.serverLock.Unlock()

	if m.server != nil {
		return m.port
	}

	actualPort := ":0"
	if m.portNumber > 1000 {
		actualPort = ":" + strconv.Itoa(m.portNumber)
	}

	listener, err := net.Listen("tcp", actualPort)
	dieOnErr(err)

	m.port = listener.Addr().(*net.TCPAddr).Port
	m.server = &http.Server{
		Handler:           m.router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	fmt.Fprintf(os.Stderr,
		"Monitoring machine with http://localhost:%d\n", m.port)

	go func(srv *http.Server) {
		err := srv.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			dieOnErr(err)
		}
	}(m.server)

	return m.port
}

// URL returns the address of the web page, or "" if the server is not
// running.
func (m *Monitor) URL() string {
	m.serverLock.Lock()
	defer m.serverLock.Unlock()

	if m.server == nil {
		return ""
	}

	return fmt.Sprintf("http://localhost:%d", m.port)
}

// StopServer shuts the web server down.
func (m *Monitor) StopServer(ctx context.Context) error {
	m.serverLock.Lock()
	srv := m.server
	m.server = nil
	m.serverLock.Unlock()

	if srv == nil {
		return nil
	}

	return srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")
	_, err = w.Write(bytes)
	dieOnErr(err)
}

func (m *Monitor) memInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, m.machine.MemInfo())
}

func (m *Monitor) listSpaces(w http.ResponseWriter, _ *http.Request) {
	spaces := m.machine.Spaces()

	stats := make([]mm.Stats, 0, len(spaces))
	for _, s := range spaces {
		stats = append(stats, s.Stats())
	}

	writeJSON(w, stats)
}

func (m *Monitor) spaceDetails(w http.ResponseWriter, r *http.Request) {
	pidStr := mux.Vars(r)["pid"]

	pid, err := strconv.ParseUint(pidStr, 10, 32)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: invalid pid %q", pidStr)

		return
	}

	space := m.findSpaceOr404(w, vm.PID(pid))
	if space == nil {
		return
	}

	detail := struct {
		Stats    mm.Stats
		Mappings []string
	}{
		Stats: space.Stats(),
	}

	for _, mapping := range space.Mappings() {
		detail.Mappings = append(detail.Mappings, mapping.String())
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(&detail)
	serializer.SetMaxDepth(2)
	err = serializer.Serialize(w)

	dieOnErr(err)
}

func (m *Monitor) findSpaceOr404(
	w http.ResponseWriter,
	pid vm.PID,
) *mm.AddressSpace {
	for _, s := range m.machine.Spaces() {
		if s.PID() == pid {
			return s
		}
	}

	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Address space not found"))
	dieOnErr(err)

	return nil
}

type coreRsp struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Space  string `json:"space"`
	PID    vm.PID `json:"pid"`
	Paging bool   `json:"paging"`

	mmu.Stats
}

func (m *Monitor) listCores(w http.ResponseWriter, _ *http.Request) {
	cores := m.machine.Cores()
	rsp := make([]coreRsp, 0, len(cores))

	for _, c := range cores {
		cr := coreRsp{
			ID:     c.ID(),
			Name:   c.Name(),
			Paging: c.IsPagingEnabled(),
			Stats:  c.Stats(),
		}

		if s := c.Space(); s != nil {
			cr.Space = s.Name()
			cr.PID = s.PID()
		}

		rsp = append(rsp, cr)
	}

	writeJSON(w, rsp)
}

type faultRsp struct {
	Faults     fault.Stats         `json:"faults"`
	Shootdowns tlb.ControllerStats `json:"shootdowns"`
}

func (m *Monitor) faultStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, faultRsp{
		Faults:     m.machine.FaultStats(),
		Shootdowns: m.machine.ShootdownStats(),
	})
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	bars := make([]*ProgressBar, len(m.progressBars))
	copy(bars, m.progressBars)
	m.progressBarsLock.Unlock()

	sort.Slice(bars, func(i, j int) bool {
		return bars[i].StartTime.Before(bars[j].StartTime)
	})

	snapshots := make([]ProgressSnapshot, 0, len(bars))
	for _, b := range bars {
		snapshots = append(snapshots, b.Snapshot())
	}

	writeJSON(w, snapshots)
}

type resourceRsp struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemorySize uint64  `json:"memory_size"`
}

func (m *Monitor) listResources(w http.ResponseWriter, _ *http.Request) {
	pid := os.Getpid()
	process, err := process.NewProcess(int32(pid))
	dieOnErr(err)

	cpuPercent, err := process.CPUPercent()
	dieOnErr(err)

	memorySize, err := process.MemoryInfo()
	dieOnErr(err)

	writeJSON(w, resourceRsp{
		CPUPercent: cpuPercent,
		MemorySize: memorySize.RSS,
	})
}

func (m *Monitor) collectProfile(w http.ResponseWriter, _ *http.Request) {
	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(time.Second)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
