package invoice

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-extractor/internal/export"
	"github.com/zombor/invoice-extractor/internal/extraction"
)

type upload struct {
	field    string
	filename string
	data     []byte
}

func multipartBody(uploads []upload, fields map[string]string) (*bytes.Buffer, string) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, u := range uploads {
		part, err := writer.CreateFormFile(u.field, u.filename)
		Expect(err).NotTo(HaveOccurred())
		_, err = part.Write(u.data)
		Expect(err).NotTo(HaveOccurred())
	}
	for k, v := range fields {
		Expect(writer.WriteField(k, v)).To(Succeed())
	}
	Expect(writer.Close()).To(Succeed())
	return body, writer.FormDataContentType()
}

var _ = Describe("Server", func() {
	var (
		db          *mockDB
		storage     *mockStorage
		dialer      *fakeDialer
		cfg         Config
		auth        BasicAuth
		server      *Server
		ghttpServer *ghttp.Server
	)

	BeforeEach(func() {
		db = newMockDB()
		storage = newMockStorage()
		dialer = newFakeDialer()
		dialer.model.replies["a.pdf"] = `{"Invoice No": "INV-1", "items": [{"Quantity": 2, "Amount": 10}]}`
		dialer.model.replies["b.jpg"] = `{"Invoice No": "INV-1", "items": []}`
		cfg = Config{Pool: newTestPool(dialer, "configured-key"), Dialer: dialer}
		auth = BasicAuth{}
	})

	JustBeforeEach(func() {
		service := NewServiceWithDeps(db, storage, cfg, &sequenceIDs{}, fixedTime{})
		server = NewServerWithMux(service, auth, http.NewServeMux())
		ghttpServer = ghttp.NewServer()
		ghttpServer.AppendHandlers(server.ServeHTTP)
	})

	AfterEach(func() {
		if ghttpServer != nil {
			ghttpServer.Close()
		}
	})

	Describe("handleIndex", func() {
		It("should return the upload page", func() {
			resp, err := http.Get(ghttpServer.URL() + "/")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/html; charset=utf-8"))
			body, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(body)).To(ContainSubstring("Invoice Extractor"))
		})

		It("should reject other methods", func() {
			resp, err := http.Post(ghttpServer.URL()+"/", "text/plain", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusMethodNotAllowed))
		})
	})

	Describe("static assets", func() {
		It("should serve the script", func() {
			resp, err := http.Get(ghttpServer.URL() + "/static/app.js")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("application/javascript; charset=utf-8"))
		})
	})

	Describe("handleExtract", func() {
		var (
			uploads []upload
			fields  map[string]string
			resp    *http.Response
			body    []byte
		)

		BeforeEach(func() {
			uploads = []upload{
				{field: "files", filename: "a.pdf", data: []byte("a.pdf")},
				{field: "files", filename: "b.jpg", data: []byte("b.jpg")},
			}
			fields = nil
		})

		JustBeforeEach(func() {
			reqBody, contentType := multipartBody(uploads, fields)
			var err error
			resp, err = http.Post(ghttpServer.URL()+"/api/extract", contentType, reqBody)
			Expect(err).NotTo(HaveOccurred())
			body, err = io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			resp.Body.Close()
		})

		When("documents are extracted", func() {
			It("should return the run", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(resp.Header.Get("Content-Type")).To(Equal("application/json"))

				var run Run
				Expect(json.Unmarshal(body, &run)).To(Succeed())
				Expect(run.ID).To(Equal("run-1"))
				Expect(run.Table.Rows).To(Equal([][]string{
					{"a.pdf", "INV-1", "N/A", "N/A", "N/A", "N/A", "2", "N/A", "10"},
					{"b.jpg", "INV-1", "N/A", "N/A", "N/A", "N/A", "N/A", "N/A", "N/A"},
				}))
				Expect(run.DownloadName).To(Equal("Invoice_INV-1.xlsx"))
			})
		})

		When("the single file field is used", func() {
			BeforeEach(func() {
				uploads = []upload{{field: "file", filename: "a.pdf", data: []byte("a.pdf")}}
			})

			It("should accept it", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
			})
		})

		When("nothing could be extracted", func() {
			BeforeEach(func() {
				uploads = []upload{{field: "files", filename: "notes.txt", data: []byte("hello")}}
			})

			It("should still return the run with a notice", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				var run Run
				Expect(json.Unmarshal(body, &run)).To(Succeed())
				Expect(run.Notice).To(Equal(noticeEmpty))
				Expect(run.Documents[0].State).To(Equal("failed"))
				Expect(run.Documents[0].Error).To(ContainSubstring(extraction.ErrUnsupportedMediaType.Error()))
			})
		})

		When("no file is uploaded", func() {
			BeforeEach(func() {
				uploads = nil
				fields = map[string]string{"api_key": "abc"}
			})

			It("should return bad request", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(string(body)).To(ContainSubstring("No files were selected"))
			})
		})

		When("no credential is available", func() {
			BeforeEach(func() {
				cfg.Pool = nil
			})

			It("should ask for an API key", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(string(body)).To(ContainSubstring("API key"))
			})
		})

		When("an API key is posted", func() {
			BeforeEach(func() {
				cfg.Pool = nil
				fields = map[string]string{"api_key": "  posted-key  "}
			})

			It("should use the trimmed key", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusCreated))
				Expect(string(dialer.dialed[0])).To(Equal("posted-key"))
			})
		})

		When("every credential fails", func() {
			BeforeEach(func() {
				dialer.dialErr = errors.New("permission denied")
			})

			It("should return bad gateway", func() {
				Expect(resp.StatusCode).To(Equal(http.StatusBadGateway))
				Expect(string(body)).NotTo(ContainSubstring("configured-key"))
			})
		})
	})

	Describe("run history", func() {
		BeforeEach(func() {
			db.runs["r1"] = &Run{ID: "r1", Workbook: "r1.xlsx", DownloadName: "Invoice_INV-1.xlsx", Table: &export.Table{}}
			db.runs["r2"] = &Run{ID: "r2", Table: &export.Table{}}
			storage.files["r1.xlsx"] = []byte("xlsx-bytes")
		})

		It("should list runs", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/runs")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var runs []*Run
			Expect(json.NewDecoder(resp.Body).Decode(&runs)).To(Succeed())
			Expect(runs).To(HaveLen(2))
		})

		It("should return a single run", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/runs/r1")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})

		It("should return not found for unknown runs", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/runs/missing")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should download the workbook as an attachment", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/runs/r1/workbook")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal(export.ContentType))
			Expect(resp.Header.Get("Content-Disposition")).To(Equal("attachment; filename=Invoice_INV-1.xlsx"))
			data, err := io.ReadAll(resp.Body)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("xlsx-bytes")))
		})

		It("should return not found for runs without a workbook", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/runs/r2/workbook")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})

		It("should delete a run", func() {
			req, err := http.NewRequest(http.MethodDelete, ghttpServer.URL()+"/api/runs/r1", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(db.runs).NotTo(HaveKey("r1"))
			Expect(storage.files).To(BeEmpty())
		})
	})

	Describe("basic auth", func() {
		BeforeEach(func() {
			auth = BasicAuth{Username: "user", Password: "secret"}
		})

		It("should reject requests without credentials", func() {
			resp, err := http.Get(ghttpServer.URL() + "/api/runs")
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
			Expect(resp.Header.Get("WWW-Authenticate")).To(ContainSubstring("Invoice Extractor"))
		})

		It("should accept valid credentials", func() {
			req, err := http.NewRequest(http.MethodGet, ghttpServer.URL()+"/api/runs", nil)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("user:secret")))
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("Handler", func() {
		It("should answer preflight requests", func() {
			ghttpServer.Close()
			ghttpServer = ghttp.NewServer()
			ghttpServer.AppendHandlers(server.Handler().ServeHTTP)

			req, err := http.NewRequest(http.MethodOptions, ghttpServer.URL()+"/api/extract", nil)
			Expect(err).NotTo(HaveOccurred())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
			Expect(resp.Header.Get("Access-Control-Allow-Origin")).To(Equal("*"))
		})
	})
})
