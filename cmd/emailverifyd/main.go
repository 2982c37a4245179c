// Command emailverifyd is the long-running queue worker: it pulls
// EmailJob entries off Redis, verifies each address with the probe
// engine, and writes the outcome back to PostgreSQL. The SMTP probe
// logic itself lives in the reusable probe package.
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"emailverify/config"
	"emailverify/probe"
	"emailverify/queue"
	"emailverify/ratelimit"
	"emailverify/resolver"
	"emailverify/store"
)

func main() {
	fmt.Println("starting emailverifyd")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.IsDevMode {
		fmt.Println("dev mode: SMTP checks target localhost:1025 (MailHog)")
	} else {
		fmt.Println("production mode: SMTP checks target resolved MX hosts")
	}
	fmt.Printf("worker hostname: %s\n", cfg.WorkerHostname)

	limiter := ratelimit.New(ratelimit.DefaultConfig())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		log.Fatalf("connect to Redis: %v", err)
	}
	fmt.Println("connected to Redis")

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to PostgreSQL: %v", err)
	}
	defer db.Close()
	fmt.Println("connected to PostgreSQL")

	q := queue.New(redisClient, queue.DefaultConfig())
	res := resolver.New()

	var dialer probe.Dialer = probe.DirectDialer{}
	if cfg.ProxyAddr != "" {
		dialer = probe.SOCKS5Dialer{Config: probe.SOCKS5Config{
			Address:  cfg.ProxyAddr,
			Username: cfg.ProxyUser,
			Password: cfg.ProxyPass,
		}}
	} else if !cfg.IsDevMode {
		log.Fatalf("SOCKS5_PROXY not configured in production mode (safety requirement)")
	}

	jobs := make(chan queue.EmailJob, cfg.WorkerCount*2)
	for i := 0; i < cfg.WorkerCount; i++ {
		go runWorker(ctx, i+1, jobs, cfg, dialer, limiter, q, res, db)
	}
	fmt.Printf("started %d workers\n", cfg.WorkerCount)

	go q.RunRetryMonitor(ctx)
	fmt.Println("retry monitor started")

	globalLimiter := ratelimit.New(ratelimit.Config{GlobalRate: 2, GlobalBurst: 2, DefaultRate: 2, DefaultBurst: 2})

	for {
		// Global safety valve: never pull a job faster than the overall
		// outbound probe ceiling allows, regardless of per-domain limits
		// applied later.
		if err := globalLimiter.Wait(ctx, "*"); err != nil {
			log.Printf("global rate limit wait cancelled: %v", err)
			continue
		}

		job, err := q.Pop(ctx, 5*time.Second)
		if err != nil {
			log.Printf("error reading from queue: %v", err)
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}

		select {
		case jobs <- *job:
		default:
			log.Printf("worker pool full, dropping job: %s", job.Email)
		}
	}
}

func runWorker(ctx context.Context, id int, jobs <-chan queue.EmailJob, cfg config.Worker, dialer probe.Dialer, limiter *ratelimit.Manager, q *queue.Queue, res *resolver.Resolver, db *store.Store) {
	for job := range jobs {
		processJob(ctx, id, job, cfg, dialer, limiter, q, res, db)
	}
}

func processJob(ctx context.Context, workerID int, job queue.EmailJob, cfg config.Worker, dialer probe.Dialer, limiter *ratelimit.Manager, q *queue.Queue, res *resolver.Resolver, db *store.Store) {
	fmt.Printf("[worker %d] checking: %s\n", workerID, job.Email)

	addr, err := probe.ParseAddress(job.Email)
	if err != nil {
		recordFailure(db, job, "INVALID", 550, "invalid email syntax")
		return
	}
	domain := strings.ToLower(addr.Domain)

	if err := limiter.Wait(ctx, domain); err != nil {
		log.Printf("[worker %d] rate limit wait cancelled: %v", workerID, err)
		return
	}

	var mxs []string
	if cfg.IsDevMode {
		mxs = []string{"localhost"}
	} else {
		mxs, err = res.Lookup(ctx, domain)
		if err != nil {
			recordFailure(db, job, "INVALID", 550, err.Error())
			return
		}
	}

	pcfg := probe.DefaultConfig()
	pcfg.Dialer = dialer
	pcfg.Sender = "check@" + cfg.WorkerHostname
	pcfg.CatchallTest = true
	pcfg.CatchallIsValid = false
	pcfg.GreylistedConsideredValid = true
	pcfg.NoCommIsValid = false
	pcfg.NoConnIsValid = false
	if cfg.IsDevMode {
		pcfg.Port = "1025"
	}

	v := probe.NewVerifier(pcfg, rand.New(rand.NewSource(time.Now().UnixNano())))
	results := v.Run(ctx, []string{job.Email}, map[string][]string{domain: mxs})

	verdict, ok := results.Verdicts[job.Email]
	if !ok {
		recordFailure(db, job, "UNKNOWN", 0, results.MailError)
		return
	}

	if verdict.Kind == probe.Greylisted {
		log.Printf("[worker %d] greylisted: %s, scheduling retry", workerID, job.Email)
		if err := q.ScheduleRetry(ctx, job); err != nil {
			log.Printf("[worker %d] failed to schedule retry: %v", workerID, err)
			writeVerdict(db, job, verdict)
		}
		return
	}

	writeVerdict(db, job, verdict)
	fmt.Printf("[worker %d] %s: %s\n", workerID, statusOf(verdict), job.Email)
}

// statusOf maps a probe verdict kind to the status string stored in the
// EmailCheck row.
func statusOf(v probe.Verdict) string {
	switch v.Kind {
	case probe.Accepted:
		return "VALID"
	case probe.Rejected:
		return "INVALID"
	case probe.Greylisted:
		return "GREYLISTED"
	case probe.CatchAll:
		return "CATCH_ALL"
	default:
		return "UNKNOWN"
	}
}

// writeVerdict records a completed verdict against the job's row,
// pulling the SMTP code out of whichever text the verdict carries.
func writeVerdict(db *store.Store, job queue.EmailJob, v probe.Verdict) {
	reason := v.Text
	if reason == "" {
		reason = v.Reason
	}
	if err := db.RecordOutcome(store.Outcome{
		JobID:        job.JobID,
		Email:        job.Email,
		Status:       statusOf(v),
		SMTPCode:     parseSMTPCode(reason),
		BounceReason: reason,
	}); err != nil {
		log.Printf("record outcome failed for %s: %v", job.Email, err)
	}
}

// parseSMTPCode extracts the leading 3-digit SMTP code from a raw
// server reply.
func parseSMTPCode(response string) int {
	if len(response) < 3 {
		return 0
	}
	var code int
	fmt.Sscanf(response[:3], "%d", &code)
	return code
}

func recordFailure(db *store.Store, job queue.EmailJob, status string, code int, reason string) {
	if err := db.RecordOutcome(store.Outcome{JobID: job.JobID, Email: job.Email, Status: status, SMTPCode: code, BounceReason: reason}); err != nil {
		log.Printf("record outcome failed for %s: %v", job.Email, err)
	}
}
