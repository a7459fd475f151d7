package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/hackgods/telemed-booking/internal/config"
	"github.com/hackgods/telemed-booking/internal/db"
	"github.com/hackgods/telemed-booking/internal/logger"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	StaffRatio   float64
	ConfirmRatio float64
	PayRatio     float64
	ReadRatio    float64
	PatientLimit int
	DoctorLimit  int
	SlotsPerDay  int
	WorkdayStart time.Duration
	SlotInterval time.Duration
	PostgresDSN  string
}

type pendingLink struct {
	Token  string
	Amount decimal.Decimal
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []uuid.UUID
	Day      time.Time

	mu           sync.Mutex
	appointments []uuid.UUID
	links        []pendingLink
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

func (dp *DataPool) AddLink(l pendingLink) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.links = append(dp.links, l)
}

// TakeLink removes a link so each one is paid at most once by the simulator.
func (dp *DataPool) TakeLink() (pendingLink, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.links) == 0 {
		return pendingLink{}, false
	}
	l := dp.links[0]
	dp.links = dp.links[1:]
	return l, true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

type LatencyStats struct {
	Avg, Min, Max, P50, P95, P99 time.Duration
}

func (om *OperationMetrics) Stats() LatencyStats {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return LatencyStats{}
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	return LatencyStats{
		Avg: sum / time.Duration(len(latencies)),
		Min: latencies[0],
		Max: latencies[len(latencies)-1],
		P50: percentile(latencies, 50),
		P95: percentile(latencies, 95),
		P99: percentile(latencies, 99),
	}
}

func percentile(sorted []time.Duration, p int) time.Duration {
	idx := len(sorted) * p / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type Metrics struct {
	Booking       OperationMetrics
	StaffBooking  OperationMetrics
	Confirm       OperationMetrics
	Pay           OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	Slots         OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	log     *zap.Logger
	metrics Metrics
}

func main() {
	log, err := logger.New("prod", getEnv("LOG_LEVEL", "info"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	log.Info("simulator starting")

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulation config",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Float64("booking", cfg.BookingRatio),
		zap.Float64("staff_booking", cfg.StaffRatio),
		zap.Float64("confirm", cfg.ConfirmRatio),
		zap.Float64("pay", cfg.PayRatio),
		zap.Float64("read", cfg.ReadRatio),
	)

	// Load data from Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, db.PoolConfig{DSN: cfg.PostgresDSN, MaxConns: 2, AppName: "simulate"})
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}

	log.Info("data pool loaded",
		zap.Int("patients", len(dataPool.Patients)),
		zap.Int("doctors", len(dataPool.Doctors)),
		zap.Time("day", dataPool.Day),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.35),
		StaffRatio:   getFloat("SIM_STAFF_BOOKING_RATIO", 0.15),
		ConfirmRatio: getFloat("SIM_CONFIRM_RATIO", 0.1),
		PayRatio:     getFloat("SIM_PAY_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 4000),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 10),
		SlotsPerDay:  int((baseCfg.WorkdayEnd - baseCfg.WorkdayStart) / baseCfg.SlotInterval),
		WorkdayStart: baseCfg.WorkdayStart,
		SlotInterval: baseCfg.SlotInterval,
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	if cfg.Workers <= 0 {
		return cfg, errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return cfg, errors.New("SIM_DURATION must be > 0")
	}
	if cfg.SlotsPerDay <= 0 {
		return cfg, errors.New("workday must fit at least one slot")
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.StaffRatio + cfg.ConfirmRatio + cfg.PayRatio + cfg.ReadRatio
	if total <= 0 {
		return cfg, errors.New("at least one SIM_*_RATIO must be positive")
	}
	cfg.BookingRatio /= total
	cfg.StaffRatio /= total
	cfg.ConfirmRatio /= total
	cfg.PayRatio /= total
	cfg.ReadRatio /= total

	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	patients, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}

	// A handful of doctors keeps every worker competing for the same slots.
	rows, err = pool.Query(ctx, `SELECT id FROM doctors WHERE active ORDER BY name LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	doctors, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}

	if len(patients) == 0 {
		return nil, errors.New("no patients loaded, run seed first")
	}
	if len(doctors) == 0 {
		return nil, errors.New("no active doctors loaded, run seed first")
	}

	tomorrow := time.Now().UTC().AddDate(0, 0, 1)
	return &DataPool{
		Patients: patients,
		Doctors:  doctors,
		Day:      time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), 0, 0, 0, 0, time.UTC),
	}, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info("starting simulation", zap.Duration("duration", s.config.Duration), zap.Int("workers", s.config.Workers))

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))
	c := s.config

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < c.BookingRatio:
			s.doBooking(ctx, rng)
		case r < c.BookingRatio+c.StaffRatio:
			s.doStaffBooking(ctx, rng)
		case r < c.BookingRatio+c.StaffRatio+c.ConfirmRatio:
			s.doConfirm(ctx, rng)
		case r < c.BookingRatio+c.StaffRatio+c.ConfirmRatio+c.PayRatio:
			s.doPay(ctx)
		default:
			switch rng.Intn(3) {
			case 0:
				s.doReadByID(ctx, rng)
			case 1:
				s.doListByPatient(ctx, rng)
			case 2:
				s.doSlots(ctx, rng)
			}
		}
	}
}

type actor struct {
	id   uuid.UUID
	role string
}

// call sends one request and returns the status code, or 0 if the request
// never got a response.
func (s *Simulator) call(ctx context.Context, method, path string, who *actor, body, out any) int {
	var payload bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&payload).Encode(body); err != nil {
			return 0
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &payload)
	if err != nil {
		return 0
	}
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set("X-Actor-ID", who.id.String())
		req.Header.Set("X-Actor-Role", who.role)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Debug("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		}
		return 0
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (s *Simulator) bookingBody(rng *rand.Rand, patientID, doctorID uuid.UUID) map[string]any {
	slot := rng.Intn(s.config.SlotsPerDay)
	start := s.pool.Day.Add(s.config.WorkdayStart + time.Duration(slot)*s.config.SlotInterval)
	return map[string]any{
		"patient_id":       patientID.String(),
		"doctor_id":        doctorID.String(),
		"scheduled_at":     start.Format(time.RFC3339),
		"duration_minutes": []int{15, 30, 45}[rng.Intn(3)],
		"type":             []string{"video", "phone", "chat"}[rng.Intn(3)],
	}
}

func (s *Simulator) randomPatient(rng *rand.Rand) uuid.UUID {
	return s.pool.Patients[rng.Intn(len(s.pool.Patients))]
}

func (s *Simulator) randomDoctor(rng *rand.Rand) uuid.UUID {
	return s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patientID := s.randomPatient(rng)
	body := s.bookingBody(rng, patientID, s.randomDoctor(rng))

	var created struct {
		ID uuid.UUID `json:"id"`
	}
	start := time.Now()
	code := s.call(ctx, http.MethodPost, "/appointments", &actor{patientID, "patient"}, body, &created)
	s.metrics.Booking.Record(time.Since(start), code == http.StatusCreated, code == http.StatusConflict)

	if code == http.StatusCreated && created.ID != uuid.Nil {
		s.pool.AddAppointment(created.ID)
	}
}

func (s *Simulator) doStaffBooking(ctx context.Context, rng *rand.Rand) {
	doctorID := s.randomDoctor(rng)
	body := s.bookingBody(rng, s.randomPatient(rng), doctorID)

	var res struct {
		Appointment struct {
			ID uuid.UUID `json:"id"`
		} `json:"appointment"`
		PaymentLink *struct {
			PaymentURL string          `json:"payment_url"`
			Amount     decimal.Decimal `json:"amount"`
		} `json:"payment_link"`
	}
	start := time.Now()
	code := s.call(ctx, http.MethodPost, "/bookings", &actor{doctorID, "doctor"}, body, &res)
	s.metrics.StaffBooking.Record(time.Since(start), code == http.StatusCreated, code == http.StatusConflict)

	if code == http.StatusCreated {
		s.pool.AddAppointment(res.Appointment.ID)
		if res.PaymentLink != nil {
			url := res.PaymentLink.PaymentURL
			s.pool.AddLink(pendingLink{Token: url[strings.LastIndex(url, "/")+1:], Amount: res.PaymentLink.Amount})
		}
	}
}

func (s *Simulator) doConfirm(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	code := s.call(ctx, http.MethodPost, "/appointments/"+apptID.String()+"/confirm",
		&actor{s.randomDoctor(rng), "doctor"}, nil, nil)
	s.metrics.Confirm.Record(time.Since(start), code == http.StatusOK, code == http.StatusConflict)
}

func (s *Simulator) doPay(ctx context.Context) {
	link, ok := s.pool.TakeLink()
	if !ok {
		return
	}

	body := map[string]any{
		"amount":      link.Amount,
		"payment_ref": "sim_" + uuid.NewString()[:8],
	}
	start := time.Now()
	code := s.call(ctx, http.MethodPost, "/pay/"+link.Token, nil, body, nil)
	s.metrics.Pay.Record(time.Since(start), code == http.StatusOK, code == http.StatusConflict)
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.RandomAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	code := s.call(ctx, http.MethodGet, "/appointments/"+apptID.String(), nil, nil, nil)
	s.metrics.ReadByID.Record(time.Since(start), code == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	path := fmt.Sprintf("/appointments?patient_id=%s&limit=20&offset=0", s.randomPatient(rng))

	start := time.Now()
	code := s.call(ctx, http.MethodGet, path, nil, nil, nil)
	s.metrics.ListByPatient.Record(time.Since(start), code == http.StatusOK, false)
}

func (s *Simulator) doSlots(ctx context.Context, rng *rand.Rand) {
	path := fmt.Sprintf("/doctors/%s/slots?date=%s", s.randomDoctor(rng), s.pool.Day.Format(time.DateOnly))

	start := time.Now()
	code := s.call(ctx, http.MethodGet, path, nil, nil, nil)
	s.metrics.Slots.Record(time.Since(start), code == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Doctors under contention: %d\n", len(s.pool.Doctors))
	fmt.Println()

	printOperationReport("Booking (patient)", &s.metrics.Booking)
	printOperationReport("Booking (staff, with payment link)", &s.metrics.StaffBooking)
	printOperationReport("Confirm", &s.metrics.Confirm)
	printOperationReport("Validate payment", &s.metrics.Pay)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("List by patient", &s.metrics.ListByPatient)
	printOperationReport("Available slots", &s.metrics.Slots)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)
	st := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s p99=%s\n",
		st.Avg.Round(time.Millisecond), st.Min.Round(time.Millisecond), st.Max.Round(time.Millisecond),
		st.P50.Round(time.Millisecond), st.P95.Round(time.Millisecond), st.P99.Round(time.Millisecond))
	fmt.Println()
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
