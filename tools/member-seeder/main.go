// member-seeder generates fake, correctly signed member webhooks and
// POSTs them to a running membersync instance. Useful for load testing
// and end-to-end verification against a staging list.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/lanternpress/membersync/internal/models"
	"github.com/lanternpress/membersync/internal/signature"
)

var (
	serverURL = flag.String("url", "http://localhost:3000", "membersync base URL")
	siteID    = flag.String("site", "", "site ID to post as (required)")
	secret    = flag.String("secret", "", "webhook signing secret for the site")
	count     = flag.Int("count", 100, "number of events to generate")
	interval  = flag.Duration("interval", 100*time.Millisecond, "interval between events")
	types     = flag.String("types", "member.added,member.updated,member.deleted", "comma-separated event types to generate")
)

func main() {
	flag.Parse()

	if *siteID == "" {
		log.Fatal("site ID is required. Use -site flag")
	}

	gofakeit.Seed(time.Now().UnixNano())

	eventTypes := strings.Split(*types, ",")
	for _, t := range eventTypes {
		if !models.KnownEventType(t) {
			log.Fatalf("unknown event type %q", t)
		}
	}

	log.Printf("Starting member seeder:")
	log.Printf("  URL: %s", *serverURL)
	log.Printf("  Site: %s", *siteID)
	log.Printf("  Event count: %d", *count)
	log.Printf("  Interval: %v", *interval)
	log.Printf("  Event types: %v", eventTypes)

	client := &http.Client{Timeout: 10 * time.Second}

	successCount := 0
	failCount := 0

	for i := 0; i < *count; i++ {
		eventType := eventTypes[rand.Intn(len(eventTypes))]
		payload := buildPayload(eventType)

		if err := post(client, eventType, payload); err != nil {
			log.Printf("event %d failed: %v", i+1, err)
			failCount++
		} else {
			successCount++
		}

		time.Sleep(*interval)
	}

	log.Printf("Done: %d succeeded, %d failed", successCount, failCount)
}

func buildPayload(eventType string) models.WebhookPayload {
	member := fakeMember()

	switch eventType {
	case models.EventMemberUpdated:
		previous := member
		previous.Status = otherStatus(member.Status)
		return models.WebhookPayload{Member: models.MemberPayload{
			Current:  member,
			Previous: &previous,
		}}
	case models.EventMemberDeleted:
		// Ghost sends deletion data under "previous"
		return models.WebhookPayload{Member: models.MemberPayload{
			Previous: &member,
		}}
	default:
		return models.WebhookPayload{Member: models.MemberPayload{
			Current: member,
		}}
	}
}

func fakeMember() models.MemberData {
	created := gofakeit.DateRange(time.Now().AddDate(-2, 0, 0), time.Now())
	subscribed := true

	var labels []models.Label
	for i := 0; i < rand.Intn(3); i++ {
		word := gofakeit.Word()
		labels = append(labels, models.Label{Name: word, Slug: strings.ToLower(word)})
	}

	return models.MemberData{
		ID:         gofakeit.UUID(),
		Email:      gofakeit.Email(),
		Name:       gofakeit.Name(),
		Status:     gofakeit.RandomString([]string{"free", "paid", "comped"}),
		Subscribed: &subscribed,
		CreatedAt:  created,
		UpdatedAt:  time.Now().UTC(),
		Labels:     labels,
	}
}

func otherStatus(status string) string {
	if status == "free" {
		return "paid"
	}
	return "free"
}

func post(client *http.Client, eventType string, payload models.WebhookPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/webhook/%s?event=%s", *serverURL, *siteID, eventType)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if *secret != "" {
		req.Header.Set(signature.Header, signature.Sign(body, *secret, time.Now()))
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
