package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/notify"
	"github.com/MarcoPoloResearchLab/gravity/eventcore/internal/projection"
)

func TestStreamEmitsProjectionUpdates(testContext *testing.T) {
	server := newTestServer(testContext, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	streamRequest, err := http.NewRequestWithContext(ctx, http.MethodGet, server.server.URL+"/api/v1/stream?projections="+projection.HierarchyProjectionName, http.NoBody)
	if err != nil {
		testContext.Fatalf("failed to construct stream request: %v", err)
	}
	streamResp, err := http.DefaultClient.Do(streamRequest)
	if err != nil {
		testContext.Fatalf("failed to open stream: %v", err)
	}
	testContext.Cleanup(func() {
		_ = streamResp.Body.Close()
	})
	if streamResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stream status: %d", streamResp.StatusCode)
	}

	status, created := server.do(testContext, http.MethodPost, "/api/v1/categories?consistent=true", "", map[string]any{"name": "Home"})
	if status != http.StatusCreated {
		testContext.Fatalf("unexpected category status %d: %v", status, created)
	}

	streamReader := bufio.NewReader(streamResp.Body)
	var eventName string
	for {
		line, err := streamReader.ReadString('\n')
		if err != nil {
			testContext.Fatalf("stream closed before an update arrived: %v", err)
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") || eventName != notify.KindCaughtUp {
			continue
		}
		var update notify.Update
		if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &update); err != nil {
			testContext.Fatalf("failed to decode update: %v", err)
		}
		if update.Projection != projection.HierarchyProjectionName {
			testContext.Fatalf("expected only hierarchy updates, got %s", update.Projection)
		}
		if update.Position < 1 {
			testContext.Fatalf("expected a positive checkpoint position, got %d", update.Position)
		}
		found := false
		for _, id := range update.AggregateIDs {
			if id == created["id"] {
				found = true
			}
		}
		if !found {
			testContext.Fatalf("expected update to name %v, got %v", created["id"], update.AggregateIDs)
		}
		return
	}
}
