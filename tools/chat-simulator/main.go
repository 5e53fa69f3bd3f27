package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Message mix: mostly clean chatter with a violation tail, roughly
// 70/15/10/5 normal/toxic/spam/pii.
var corpus = []struct {
	weight int
	bodies []string
}{
	{70, []string{
		"hey everyone, how is it going?",
		"anyone up for a match tonight?",
		"that patch actually fixed my fps issues",
		"good morning chat",
		"what did I miss?",
		"lol that was a great play",
	}},
	{15, []string{
		"you are a complete idiot and everyone hates you",
		"shut up loser, nobody asked",
		"get out of this channel you moron",
	}},
	{10, []string{
		"FREE GIFT CARDS click here www.totally-legit.example now!!!",
		"buy cheap followers at spam.example BUY NOW BUY NOW",
		"congratulations you won a prize, claim at winner.example",
	}},
	{5, []string{
		"my ssn is 123-45-6789 can you check my account",
		"call me at 555-867-5309 tonight",
		"card number 4532015112830366, is that enough?",
	}},
}

var users = []string{"alice", "bob", "carol", "dave", "erin", "frank", "grace", "heidi"}
var channels = []string{"general", "gaming", "tech-talk", "random", "support"}

func randomBody(r *rand.Rand) string {
	total := 0
	for _, c := range corpus {
		total += c.weight
	}
	n := r.Intn(total)
	for _, c := range corpus {
		if n < c.weight {
			return c.bodies[r.Intn(len(c.bodies))]
		}
		n -= c.weight
	}
	return corpus[0].bodies[0]
}

func main() {
	targetURL := flag.String("url", "http://localhost:8080/moderate", "Target URL for moderation")
	concurrency := flag.Int("c", 10, "Number of concurrent senders")
	duration := flag.Duration("d", 30*time.Second, "Duration of the run")
	rps := flag.Int("rps", 50, "Messages per second limit")
	flag.Parse()

	log.Printf("Starting chat load on %s", *targetURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d", *concurrency, *duration, *rps)

	var wg sync.WaitGroup
	var successCount, errorCount, latencyNs atomic.Int64

	var tallyMu sync.Mutex
	actionTally := make(map[string]int64)
	decisionTally := make(map[string]int64)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			client := &http.Client{
				Timeout: 90 * time.Second, // the pipeline may ride out its full deadline
			}
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

			for {
				select {
				case <-ctx.Done():
					return
				default:
					limiter.Wait(ctx)

					user := users[r.Intn(len(users))]
					payload, _ := json.Marshal(map[string]interface{}{
						"message_id": uuid.NewString(),
						"message":    randomBody(r),
						"user_id":    user,
						"username":   user,
						"channel_id": channels[r.Intn(len(channels))],
					})

					req, err := http.NewRequestWithContext(ctx, http.MethodPost, *targetURL, bytes.NewReader(payload))
					if err != nil {
						continue // Should not happen
					}
					req.Header.Set("Content-Type", "application/json")

					start := time.Now()
					resp, err := client.Do(req)
					if err != nil {
						errorCount.Add(1)
						continue
					}
					latencyNs.Add(time.Since(start).Nanoseconds())

					if resp.StatusCode == http.StatusOK {
						successCount.Add(1)

						var event struct {
							Verdict struct {
								Decision string `json:"decision"`
							} `json:"verdict"`
							Action struct {
								Kind string `json:"kind"`
							} `json:"action"`
						}
						if err := json.NewDecoder(resp.Body).Decode(&event); err == nil {
							tallyMu.Lock()
							actionTally[event.Action.Kind]++
							decisionTally[event.Verdict.Decision]++
							tallyMu.Unlock()
						}
					} else {
						errorCount.Add(1)
					}
					resp.Body.Close()
				}
			}
		}(i)
	}

	wg.Wait()

	total := successCount.Load() + errorCount.Load()
	actualRPS := float64(total) / duration.Seconds()

	log.Println("Chat load finished.")
	log.Printf("Total Messages: %d", total)
	log.Printf("Moderated (200 OK): %d", successCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", actualRPS)
	if n := successCount.Load(); n > 0 {
		log.Printf("Avg Latency: %s", time.Duration(latencyNs.Load()/n))
	}

	logTally("Decisions", decisionTally)
	logTally("Actions", actionTally)
}

func logTally(label string, tally map[string]int64) {
	keys := make([]string, 0, len(tally))
	for k := range tally {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		log.Printf("%s %s: %d", label, fmt.Sprintf("%-14s", k), tally[k])
	}
}
