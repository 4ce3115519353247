// Package monitoring serves the state of active message servers over HTTP.
package monitoring

import (
	"bytes"
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
	"strings"
	"sync"
	"time"

	"github.com/google/pprof/profile"
	"github.com/gorilla/mux"
	"github.com/pkg/browser"
	"github.com/sarchlab/activemsg/fabric"
	"github.com/sarchlab/activemsg/idgen"
	"github.com/sarchlab/activemsg/monitoring/web"
	"github.com/sarchlab/activemsg/rmi"
	"github.com/sarchlab/activemsg/tracing"
	"github.com/shirou/gopsutil/process"
	"github.com/syifan/goseth"
)

// Monitor turns a process into a web server that reports the state of its
// active message servers.
type Monitor struct {
	lock        sync.Mutex
	servers     []*rmi.Server
	counters    map[fabric.Rank]*tracing.TrafficCounter
	portNumber  int
	openBrowser bool

	progressBarsLock sync.Mutex
	progressBars     []*ProgressBar

	httpServer *http.Server
}

// NewMonitor creates a new Monitor
func NewMonitor() *Monitor {
	return &Monitor{
		counters: make(map[fabric.Rank]*tracing.TrafficCounter),
	}
}

// WithPortNumber sets the port number of the monitor.
func (m *Monitor) WithPortNumber(portNumber int) *Monitor {
	if portNumber != 0 && portNumber < 1000 {
		fmt.Fprintf(os.Stderr,
			"Port number %d is assigned to the monitoring server, "+
				"which is not allowed. Using a random port instead.\n", portNumber)
		portNumber = 0
	}

	m.portNumber = portNumber

	return m
}

// WithBrowser makes StartServer open the monitoring page in a browser.
func (m *Monitor) WithBrowser(open bool) *Monitor {
	m.openBrowser = open
	return m
}

// RegisterServer adds a server to be monitored and starts counting its
// traffic.
func (m *Monitor) RegisterServer(s *rmi.Server) {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, registered := range m.servers {
		if registered.Rank() == s.Rank() {
			panic(fmt.Sprintf("rank %d is already monitored", s.Rank()))
		}
	}

	counter := tracing.NewTrafficCounter(nil)
	tracing.CollectTrace(s, counter)

	m.servers = append(m.servers, s)
	m.counters[s.Rank()] = counter
}

// CreateProgressBar creates a new progress bar.
func (m *Monitor) CreateProgressBar(name string, total uint64) *ProgressBar {
	bar := &ProgressBar{
		ID:        idgen.Get().Generate(),
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

// Router returns the handler of all the monitoring routes.
func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/servers", m.listServers)
	r.HandleFunc("/api/stats/{rank}", m.stats)
	r.HandleFunc("/api/debug/{rank}", m.debug)
	r.HandleFunc("/api/buffers", m.listBuffers)
	r.HandleFunc("/api/buffers/{rank}", m.buffers)
	r.HandleFunc("/api/state/{rank}", m.state)
	r.HandleFunc("/api/field/{json}", m.listFieldValue)
	r.HandleFunc("/api/traffic/{rank}", m.reportTraffic)
	r.HandleFunc("/api/progress", m.listProgressBars)
	r.HandleFunc("/api/resource", m.listResources)
	r.HandleFunc("/api/profile", m.collectProfile)
	r.PathPrefix("/").Handler(http.FileServer(web.GetAssets()))

	return r
}

// StartServer starts the monitor as a web server and returns the port it
// listens on.
func (m *Monitor) StartServer() int {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(m.portNumber))
	dieOnErr(err)

	port := listener.Addr().(*net.TCPAddr).Port
	url := fmt.Sprintf("http://localhost:%d", port)

	fmt.Fprintf(os.Stderr, "Monitoring active messages with %s\n", url)

	m.httpServer = &http.Server{
		Handler:           m.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := m.httpServer.Serve(listener)
		if !errors.Is(err, http.ErrServerClosed) {
			dieOnErr(err)
		}
	}()

	if m.openBrowser {
		if err := browser.OpenURL(url); err != nil {
			log.Printf("cannot open browser: %v", err)
		}
	}

	return port
}

// StopServer shuts the web server down.
func (m *Monitor) StopServer() error {
	if m.httpServer == nil {
		return nil
	}

	return m.httpServer.Close()
}

func (m *Monitor) listServers(w http.ResponseWriter, _ *http.Request) {
	m.lock.Lock()
	ranks := make([]int, 0, len(m.servers))
	for _, s := range m.servers {
		ranks = append(ranks, int(s.Rank()))
	}
	m.lock.Unlock()

	sort.Ints(ranks)
	writeJSON(w, ranks)
}

type statsRsp struct {
	Rank         int    `json:"rank"`
	NumMsgSent   uint64 `json:"num_msg_sent"`
	NumBytesSent uint64 `json:"num_bytes_sent"`
	NumMsgRecv   uint64 `json:"num_msg_recv"`
	NumBytesRecv uint64 `json:"num_bytes_recv"`
}

func (m *Monitor) stats(w http.ResponseWriter, r *http.Request) {
	s := m.findServerOr404(w, r)
	if s == nil {
		return
	}

	st := s.Stats()
	writeJSON(w, statsRsp{
		Rank:         int(s.Rank()),
		NumMsgSent:   st.NumMsgSent,
		NumBytesSent: st.NumBytesSent,
		NumMsgRecv:   st.NumMsgRecv,
		NumBytesRecv: st.NumBytesRecv,
	})
}

type debugRsp struct {
	Rank  int  `json:"rank"`
	Debug bool `json:"debug"`
}

// debug reports the debug flag. A POST or PUT with ?on=true|false sets it.
func (m *Monitor) debug(w http.ResponseWriter, r *http.Request) {
	s := m.findServerOr404(w, r)
	if s == nil {
		return
	}

	if r.Method == http.MethodPost || r.Method == http.MethodPut {
		on, err := strconv.ParseBool(r.URL.Query().Get("on"))
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Error: %s", err)

			return
		}

		s.SetDebug(on)
	}

	writeJSON(w, debugRsp{Rank: int(s.Rank()), Debug: s.Debug()})
}

type bufferRsp struct {
	Rank        int      `json:"rank"`
	QueueLen    int      `json:"queue_len"`
	QueueCap    int      `json:"queue_cap"`
	HugeBacklog int      `json:"huge_backlog"`
	StagingBusy bool     `json:"staging_busy"`
	Slots       int      `json:"slots"`
	Reposts     []uint64 `json:"reposts"`
}

func bufferState(s *rmi.Server) bufferRsp {
	return bufferRsp{
		Rank:        int(s.Rank()),
		QueueLen:    s.QueueLen(),
		QueueCap:    s.NumRecvBuffers() + 1,
		HugeBacklog: s.HugeBacklogLen(),
		StagingBusy: s.StagingBusy(),
		Slots:       s.NumRecvBuffers(),
		Reposts:     s.SlotReposts(),
	}
}

func (m *Monitor) buffers(w http.ResponseWriter, r *http.Request) {
	s := m.findServerOr404(w, r)
	if s == nil {
		return
	}

	writeJSON(w, bufferState(s))
}

// listBuffers reports the out-of-order queues of all servers, fullest first.
func (m *Monitor) listBuffers(w http.ResponseWriter, r *http.Request) {
	sortMethod, limit, offset, err := buffersParseParams(r)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	m.lock.Lock()
	states := make([]bufferRsp, 0, len(m.servers))
	for _, s := range m.servers {
		states = append(states, bufferState(s))
	}
	m.lock.Unlock()

	writeJSON(w, sortAndSelectBuffers(states, sortMethod, limit, offset))
}

func buffersParseParams(
	r *http.Request,
) (sortMethod string, limit, offset int, err error) {
	sortMethod = r.URL.Query().Get("sort")
	if sortMethod == "" {
		sortMethod = "percent"
	}

	if sortMethod != "level" && sortMethod != "percent" {
		return "", 0, 0, fmt.Errorf(
			"invalid sort method: %s. Allowed values are `level` and `percent`",
			sortMethod)
	}

	limit, err = queryInt(r, "limit")
	if err != nil {
		return sortMethod, 0, 0, err
	}

	offset, err = queryInt(r, "offset")
	if err != nil {
		return sortMethod, limit, 0, err
	}

	if limit < 0 || offset < 0 {
		return sortMethod, 0, 0, errors.New("limit and offset must not be negative")
	}

	return sortMethod, limit, offset, nil
}

func queryInt(r *http.Request, key string) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return 0, nil
	}

	return strconv.Atoi(str)
}

func queuePercent(b bufferRsp) float64 {
	return float64(b.QueueLen) / float64(b.QueueCap)
}

func sortAndSelectBuffers(
	states []bufferRsp,
	sortMethod string,
	limit, offset int,
) []bufferRsp {
	sort.SliceStable(states, func(i, j int) bool {
		levelI, levelJ := states[i].QueueLen, states[j].QueueLen
		percentI, percentJ := queuePercent(states[i]), queuePercent(states[j])

		if sortMethod == "level" {
			if levelI != levelJ {
				return levelI > levelJ
			}

			return percentI > percentJ
		}

		if percentI != percentJ {
			return percentI > percentJ
		}

		return levelI > levelJ
	})

	if offset > len(states) {
		offset = len(states)
	}

	end := len(states)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	return states[offset:end]
}

// serverState is the view of a server that the state routes serialize.
type serverState struct {
	Rank           int
	Size           int
	MaxMsgLen      int
	NumRecvBuffers int
	Debug          bool
	Stats          rmi.Stats
	QueueLen       int
	HugeBacklogLen int
	StagingBusy    bool
	SlotReposts    []uint64
}

func snapshot(s *rmi.Server) *serverState {
	cfg := s.Config()

	return &serverState{
		Rank:           int(s.Rank()),
		Size:           s.Size(),
		MaxMsgLen:      cfg.MaxMsgLen,
		NumRecvBuffers: cfg.NumRecvBuffers,
		Debug:          s.Debug(),
		Stats:          s.Stats(),
		QueueLen:       s.QueueLen(),
		HugeBacklogLen: s.HugeBacklogLen(),
		StagingBusy:    s.StagingBusy(),
		SlotReposts:    s.SlotReposts(),
	}
}

func (m *Monitor) state(w http.ResponseWriter, r *http.Request) {
	s := m.findServerOr404(w, r)
	if s == nil {
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(snapshot(s))
	serializer.SetMaxDepth(1)
	err := serializer.Serialize(w)

	dieOnErr(err)
}

type fieldReq struct {
	Rank      int    `json:"rank"`
	FieldName string `json:"field_name,omitempty"`
}

func (m *Monitor) listFieldValue(w http.ResponseWriter, r *http.Request) {
	req := fieldReq{}

	err := json.Unmarshal([]byte(mux.Vars(r)["json"]), &req)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	s := m.findServer(fabric.Rank(req.Rank))
	if s == nil {
		notFound(w)
		return
	}

	serializer := goseth.NewSerializer()
	serializer.SetRoot(snapshot(s))
	serializer.SetMaxDepth(1)

	err = serializer.SetEntryPoint(strings.Split(req.FieldName, "."))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	err = serializer.Serialize(w)
	dieOnErr(err)
}

type trafficRsp struct {
	Rank   int               `json:"rank"`
	Events map[string]uint64 `json:"events"`
	Peers  []peerTraffic     `json:"peers"`
}

type peerTraffic struct {
	Rank      int    `json:"rank"`
	BytesTo   uint64 `json:"bytes_to"`
	BytesFrom uint64 `json:"bytes_from"`
}

func (m *Monitor) reportTraffic(w http.ResponseWriter, r *http.Request) {
	s := m.findServerOr404(w, r)
	if s == nil {
		return
	}

	m.lock.Lock()
	counter := m.counters[s.Rank()]
	m.lock.Unlock()

	rsp := trafficRsp{
		Rank:   int(s.Rank()),
		Events: make(map[string]uint64),
		Peers:  []peerTraffic{},
	}

	for _, what := range counter.Whats() {
		rsp.Events[what] = counter.Count(what)
	}

	for _, peer := range counter.Peers() {
		rsp.Peers = append(rsp.Peers, peerTraffic{
			Rank:      int(peer),
			BytesTo:   counter.BytesTo(peer),
			BytesFrom: counter.BytesFrom(peer),
		})
	}

	writeJSON(w, rsp)
}

func (m *Monitor) findServer(rank fabric.Rank) *rmi.Server {
	m.lock.Lock()
	defer m.lock.Unlock()

	for _, s := range m.servers {
		if s.Rank() == rank {
			return s
		}
	}

	return nil
}

func (m *Monitor) findServerOr404(
	w http.ResponseWriter,
	r *http.Request,
) *rmi.Server {
	rank, err := strconv.Atoi(mux.Vars(r)["rank"])
	if err != nil {
		notFound(w)
		return nil
	}

	s := m.findServer(fabric.Rank(rank))
	if s == nil {
		notFound(w)
	}

	return s
}

func notFound(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNotFound)
	_, err := w.Write([]byte("Server not found"))
	dieOnErr(err)
}

func (m *Monitor) listProgressBars(w http.ResponseWriter, _ *http.Request) {
	m.progressBarsLock.Lock()
	defer m.progressBarsLock.Unlock()

	writeJSON(w, m.progressBars)
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

// collectProfile samples the CPU for ?seconds= (default 1) and returns the
// parsed profile.
func (m *Monitor) collectProfile(w http.ResponseWriter, r *http.Request) {
	duration := time.Second

	if str := r.URL.Query().Get("seconds"); str != "" {
		seconds, err := strconv.ParseFloat(str, 64)
		if err != nil || seconds <= 0 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "Error: invalid duration %q", str)

			return
		}

		duration = time.Duration(seconds * float64(time.Second))
	}

	buf := bytes.NewBuffer(nil)

	err := pprof.StartCPUProfile(buf)
	if err != nil {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprintf(w, "Error: %s", err)

		return
	}

	time.Sleep(duration)

	pprof.StopCPUProfile()

	prof, err := profile.ParseData(buf.Bytes())
	dieOnErr(err)

	writeJSON(w, prof)
}

func writeJSON(w http.ResponseWriter, v any) {
	bytes, err := json.Marshal(v)
	dieOnErr(err)

	w.Header().Set("Content-Type", "application/json")

	_, err = w.Write(bytes)
	dieOnErr(err)
}

func dieOnErr(err error) {
	if err != nil {
		log.Panic(err)
	}
}
