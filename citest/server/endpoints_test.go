package server_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func postJSON(path string, body any) (*http.Response, []byte) {
	GinkgoHelper()

	payload, err := json.Marshal(body)
	Expect(err).NotTo(HaveOccurred())

	resp, err := http.Post(ts.BaseURL+path, "application/json", bytes.NewReader(payload))
	Expect(err).NotTo(HaveOccurred())
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp, buf.Bytes()
}

func createSession(namespace string) string {
	GinkgoHelper()

	resp, body := postJSON("/session", map[string]string{"namespace": namespace})
	Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

	var created struct {
		Key string `json:"key"`
	}
	Expect(json.Unmarshal(body, &created)).To(Succeed())
	Expect(created.Key).NotTo(BeEmpty())
	return created.Key
}

var _ = Describe("Engine Endpoints", func() {
	Describe("POST /session/{sessionKey}/message", func() {
		It("should run a waited query to completion", func() {
			key := createSession("e2e")

			resp, body := postJSON("/session/"+key+"/message", map[string]any{
				"prompt": "hello there",
				"wait":   true,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

			var res struct {
				Outcome string `json:"outcome"`
				Text    string `json:"text"`
			}
			Expect(json.Unmarshal(body, &res)).To(Succeed())
			Expect(res.Outcome).To(Equal("success"))
			Expect(res.Text).To(Equal("ok"))
			Expect(ts.Provider.Prompts()).To(ContainElement("hello there"))
		})

		It("should return 404 for an unknown session", func() {
			resp, _ := postJSON("/session/ghost.42/message", map[string]any{"prompt": "hi"})
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /channel", func() {
		It("should answer a synchronous request through a live session", func() {
			key := createSession("chan")

			resp, body := postJSON("/channel", map[string]any{
				"sessionKey": key,
				"data":       map[string]string{"msg": "what is the status?"},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

			var res struct {
				Response string `json:"response"`
			}
			Expect(json.Unmarshal(body, &res)).To(Succeed())
			Expect(res.Response).To(Equal("ok"))

			// the session saw a framed channel prompt, not the raw
			// JSON body
			Expect(ts.Provider.Prompts()).To(ContainElement(SatisfyAll(
				HavePrefix("[CHANNEL"),
				ContainSubstring("what is the status?"),
			)))
		})
	})

	Describe("POST /alarm", func() {
		It("should wake the owner session when the timer elapses", func() {
			key := createSession("wake")

			resp, body := postJSON("/alarm", map[string]any{
				"ownerSession": key,
				"wakePrompt":   "timer went off",
				"kind":         "time-elapsed",
				"seconds":      1,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK), string(body))

			Eventually(ts.Provider.Prompts, 5*time.Second, 100*time.Millisecond).
				Should(ContainElement("timer went off"))
		})
	})

	Describe("GET /event", func() {
		It("should stream the session lifecycle over SSE", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.BaseURL+"/event", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			// attach, then drive a query to completion
			time.Sleep(100 * time.Millisecond)
			key := createSession("sse")
			r, _ := postJSON("/session/"+key+"/message", map[string]any{
				"prompt": "stream me",
				"wait":   true,
			})
			Expect(r.StatusCode).To(Equal(http.StatusOK))

			seen := map[string]bool{}
			scanner := bufio.NewScanner(resp.Body)
			for scanner.Scan() {
				line := scanner.Text()
				if !strings.HasPrefix(line, "data: ") {
					continue
				}
				var ev struct {
					Type string `json:"type"`
				}
				Expect(json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev)).To(Succeed())
				seen[ev.Type] = true
				if seen["session.working"] && seen["session.idle"] {
					return
				}
			}
			Fail(fmt.Sprintf("lifecycle events not observed, saw %v: %v", seen, scanner.Err()))
		})
	})
})
