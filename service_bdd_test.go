package stepifi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/asisto-io/stepifi"
)

func bddLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubConverter stands in for the engine subprocess; each test swaps in the
// behavior it needs through the convert field.
type stubConverter struct {
	convert func(ctx context.Context, req stepifi.ConvertRequest) (*stepifi.ConvertResult, error)
}

func (s *stubConverter) Convert(ctx context.Context, req stepifi.ConvertRequest) (*stepifi.ConvertResult, error) {
	return s.convert(ctx, req)
}

var _ = Describe("Conversion Service", func() {
	var (
		cfg       *stepifi.Config
		store     stepifi.Store
		queue     *stepifi.FIFOQueue
		pool      *stepifi.Pool
		sweeper   *stepifi.Sweeper
		converter *stubConverter
		ts        *httptest.Server
		cancel    context.CancelFunc
	)

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		cfg = &stepifi.Config{
			MaxConcurrent:    2,
			QueueCapacity:    16,
			MaxRetries:       1,
			RetryBackoff:     10 * time.Millisecond,
			TTL:              time.Hour,
			CleanupInterval:  20 * time.Millisecond,
			ConvertTimeout:   5 * time.Second,
			MinTolerance:     0.001,
			MaxTolerance:     1.0,
			DefaultTolerance: 0.01,
		}

		// Writes the output file like the real engine does, so the
		// download path is exercised end to end.
		converter = &stubConverter{
			convert: func(ctx context.Context, req stepifi.ConvertRequest) (*stepifi.ConvertResult, error) {
				err := os.WriteFile(req.OutputPath, []byte("ISO-10303-21;"), 0o644)
				if err != nil {
					return nil, err
				}
				return &stepifi.ConvertResult{
					OutputPath: req.OutputPath,
					Stats:      &stepifi.ConversionStats{Points: 8, Facets: 12, Edges: 18, Solid: true, OutputSize: 13},
				}, nil
			},
		}

		store = stepifi.NewMemoryStore()
		artifacts, err := stepifi.NewArtifactStore(dir+"/uploads", dir+"/converted")
		Expect(err).NotTo(HaveOccurred())
		queue = stepifi.NewFIFOQueue(cfg.QueueCapacity)
		pool = stepifi.NewPool(store, queue, converter, artifacts, cfg, bddLogger())
		sweeper = stepifi.NewSweeper(store, artifacts, pool, cfg.CleanupInterval, bddLogger())

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		Expect(pool.Start(ctx)).To(Succeed())
		go sweeper.Run(ctx)

		server := stepifi.NewServer(store, queue, pool, artifacts, sweeper, nil, cfg, bddLogger())
		ts = httptest.NewServer(server.Router())
	})

	AfterEach(func() {
		ts.Close()
		cancel()
		pool.Stop()
		queue.Close()
		store.Close()
	})

	upload := func(filename string, fields map[string]string) *http.Response {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		fw, err := mw.CreateFormFile("mesh", filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = fw.Write([]byte("solid bdd\nendsolid bdd\n"))
		Expect(err).NotTo(HaveOccurred())
		for k, v := range fields {
			Expect(mw.WriteField(k, v)).To(Succeed())
		}
		Expect(mw.Close()).To(Succeed())

		resp, err := http.Post(ts.URL+"/api/convert", mw.FormDataContentType(), &buf)
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	submit := func(filename string) string {
		resp := upload(filename, nil)
		defer resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var body struct {
			JobID string `json:"jobId"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		Expect(body.JobID).NotTo(BeEmpty())
		return body.JobID
	}

	getJob := func(id string) (int, map[string]any) {
		resp, err := http.Get(ts.URL + "/api/job/" + id)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()

		var body struct {
			Job map[string]any `json:"job"`
		}
		Expect(json.NewDecoder(resp.Body).Decode(&body)).To(Succeed())
		return resp.StatusCode, body.Job
	}

	jobStatus := func(id string) string {
		code, job := getJob(id)
		if code != http.StatusOK {
			return "gone"
		}
		status, _ := job["status"].(string)
		return status
	}

	Describe("the happy path", func() {
		It("converts an uploaded mesh and serves the STEP download", func() {
			id := submit("bracket.stl")

			Eventually(func() string { return jobStatus(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal("completed"))

			code, job := getJob(id)
			Expect(code).To(Equal(http.StatusOK))
			Expect(job["progress"]).To(BeEquivalentTo(100))
			Expect(job["result"]).To(HaveKeyWithValue("facets", BeEquivalentTo(12)))

			resp, err := http.Get(ts.URL + "/api/download/" + id)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Disposition")).To(ContainSubstring("bracket.step"))

			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal("ISO-10303-21;"))
		})
	})

	Describe("engine failure", func() {
		It("reports failure detail after retries are exhausted", func() {
			converter.convert = func(ctx context.Context, req stepifi.ConvertRequest) (*stepifi.ConvertResult, error) {
				return nil, &stepifi.EngineError{Stage: "mesh_load", Message: "unreadable mesh"}
			}
			id := submit("broken.stl")

			Eventually(func() string { return jobStatus(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal("failed"))

			_, job := getJob(id)
			Expect(job["error"]).To(ContainSubstring("unreadable mesh"))
		})
	})

	Describe("cancellation", func() {
		It("kills a processing job and removes every trace", func() {
			converter.convert = func(ctx context.Context, req stepifi.ConvertRequest) (*stepifi.ConvertResult, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}
			id := submit("slow.stl")

			Eventually(func() string { return jobStatus(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal("processing"))

			req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/job/"+id, nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			Eventually(func() string { return jobStatus(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal("gone"))
		})
	})

	Describe("expiry", func() {
		It("makes completed jobs disappear after their TTL", func() {
			cfg.TTL = 150 * time.Millisecond
			id := submit("ephemeral.stl")

			Eventually(func() string { return jobStatus(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal("completed"))
			Eventually(func() string { return jobStatus(id) }, 5*time.Second, 10*time.Millisecond).
				Should(Equal("gone"))
		})
	})
})
