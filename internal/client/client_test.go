package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"

	"github.com/forgeline/director/api/v1alpha1"
	"github.com/forgeline/director/internal/client"
	"github.com/forgeline/director/internal/store/model"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("director client", func() {
	var (
		server *httptest.Server
		c      *client.Client
		ctx    context.Context
	)

	AfterEach(func() {
		if server != nil {
			server.Close()
			server = nil
		}
	})

	serve := func(h http.HandlerFunc) {
		server = httptest.NewServer(h)
		c = client.New(server.URL+"/", server.Client())
		ctx = context.Background()
	}

	It("enqueues jobs with a request id", func() {
		serve(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodPost))
			Expect(r.URL.Path).To(Equal("/api/v1/jobs"))
			Expect(r.Header.Get("Content-Type")).To(Equal("application/json"))
			Expect(r.Header.Get("X-Request-Id")).NotTo(BeEmpty())

			var body v1alpha1.JobCreate
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			Expect(body.Type).To(Equal("complete"))

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(model.Job{ID: 12, JobType: model.JobTypeComplete, Status: model.JobStatusPending, Priority: model.PriorityCritical})
		})

		job, err := c.Enqueue(ctx, v1alpha1.JobCreate{Type: "complete", Payload: json.RawMessage(`{}`)})
		Expect(err).To(BeNil())
		Expect(job.ID).To(Equal(uint(12)))
		Expect(job.Priority).To(Equal(model.PriorityCritical))
	})

	It("passes list filters as query parameters", func() {
		serve(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Query().Get("status")).To(Equal("running"))
			_ = json.NewEncoder(w).Encode([]model.Job{{ID: 1}, {ID: 2}})
		})

		jobs, err := c.ListJobs(ctx, url.Values{"status": []string{"running"}})
		Expect(err).To(BeNil())
		Expect(jobs).To(HaveLen(2))
	})

	It("surfaces api errors with the request id", func() {
		serve(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Request-Id", "req-9")
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"message":"job 3 is not running (status completed)","requestId":"req-9"}`))
		})

		_, err := c.KillJob(ctx, 3, "")
		Expect(err).NotTo(BeNil())

		var apiErr *client.APIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.StatusCode).To(Equal(http.StatusConflict))
		Expect(apiErr.RequestID).To(Equal("req-9"))
		Expect(err.Error()).To(ContainSubstring("not running"))
	})

	It("keeps plain text error bodies", func() {
		serve(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		})

		_, err := c.Queue(ctx)
		Expect(err).To(MatchError(ContainSubstring("upstream down")))
	})

	It("posts task actions", func() {
		serve(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.URL.Path).To(Equal("/api/v1/tasks/4/approve"))
			var body v1alpha1.TaskAction
			Expect(json.NewDecoder(r.Body).Decode(&body)).To(Succeed())
			Expect(body.Actor).To(Equal("alice"))
			_ = json.NewEncoder(w).Encode(model.Task{ID: 4, Stage: "done", Status: model.TaskStatusDone})
		})

		task, err := c.TaskAction(ctx, 4, "approve", v1alpha1.TaskAction{Actor: "alice"})
		Expect(err).To(BeNil())
		Expect(task.Status).To(Equal(model.TaskStatusDone))
	})

	It("accepts empty success bodies", func() {
		serve(func(w http.ResponseWriter, r *http.Request) {
			Expect(r.Method).To(Equal(http.MethodDelete))
			w.WriteHeader(http.StatusNoContent)
		})

		Expect(c.ArchiveTask(ctx, 5)).To(Succeed())
	})

	Context("config", func() {
		It("writes and reads the config file", func() {
			path := filepath.Join(GinkgoT().TempDir(), "director", "client.yaml")
			Expect(client.WriteConfig(path, "http://localhost:3443", "alice")).To(Succeed())

			cfg, err := client.ParseConfigFile(path)
			Expect(err).To(BeNil())
			Expect(cfg.Service.Server).To(Equal("http://localhost:3443"))
			Expect(cfg.Service.Actor).To(Equal("alice"))

			info, err := os.Stat(path)
			Expect(err).To(BeNil())
			Expect(info.Mode().Perm()).To(Equal(os.FileMode(0600)))
		})

		It("rejects servers without a hostname", func() {
			Expect(client.WriteConfig(filepath.Join(GinkgoT().TempDir(), "c.yaml"), "localhost", "")).To(MatchError(ContainSubstring("no hostname")))
			_, err := client.NewFromConfig(&client.Config{})
			Expect(err).To(MatchError(ContainSubstring("no server found")))
		})
	})
})
