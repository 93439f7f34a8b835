package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/onsi/gomega/ghttp"

	"github.com/zombor/invoice-extractor/internal/extraction"
)

func tinyPNG() []byte {
	var buf bytes.Buffer
	Expect(png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 2, 2)))).To(Succeed())
	return buf.Bytes()
}

var _ = Describe("Ollama", func() {
	var (
		server *ghttp.Server
		model  Model
	)

	BeforeEach(func() {
		server = ghttp.NewServer()
		var err error
		model, err = NewOllamaDialer(server.URL()).Dial(context.Background(), "proxy-token-1234", "llava")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		server.Close()
	})

	Describe("Ping", func() {
		When("the server answers", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.CombineHandlers(
					ghttp.VerifyRequest("POST", "/api/chat"),
					ghttp.VerifyHeaderKV("Authorization", "Bearer proxy-token-1234"),
					func(w http.ResponseWriter, r *http.Request) {
						var req ollamaChatRequest
						Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
						Expect(req.Options).NotTo(BeNil())
						Expect(req.Options.NumPredict).To(Equal(pingMaxTokens))
					},
					ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
						Message: ollamaMessage{Role: "assistant", Content: "OK"},
						Done:    true,
					}),
				))
			})

			It("should succeed with a capped output size", func() {
				Expect(model.Ping(context.Background())).To(Succeed())
			})
		})

		When("the model is not pulled", func() {
			BeforeEach(func() {
				server.AppendHandlers(ghttp.RespondWith(http.StatusNotFound, `{"error":"model not found"}`))
			})

			It("returns the status in the error", func() {
				err := model.Ping(context.Background())
				Expect(err).To(MatchError(ContainSubstring("status 404")))
			})
		})
	})

	Describe("Generate", func() {
		BeforeEach(func() {
			server.AppendHandlers(ghttp.CombineHandlers(
				ghttp.VerifyRequest("POST", "/api/chat"),
				func(w http.ResponseWriter, r *http.Request) {
					var req ollamaChatRequest
					Expect(json.NewDecoder(r.Body).Decode(&req)).To(Succeed())
					Expect(req.Model).To(Equal("llava"))
					Expect(req.Format).To(Equal("json"))
					Expect(req.Messages).To(HaveLen(2))
					Expect(req.Messages[1].Content).To(Equal(extraction.Instruction))
					Expect(req.Messages[1].Images).To(HaveLen(1))
				},
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{
					Message: ollamaMessage{Role: "assistant", Content: "  {\"items\": []}\n"},
					Done:    true,
				}),
			))
		})

		It("should return the trimmed reply", func() {
			reply, err := model.Generate(context.Background(), extraction.Request{
				Instruction: extraction.Instruction,
				MediaType:   extraction.MediaPNG,
				Data:        tinyPNG(),
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(reply).To(Equal(`{"items": []}`))
		})
	})

	Describe("Generate with a corrupt PDF", func() {
		It("should report an unreadable document without calling the server", func() {
			_, err := model.Generate(context.Background(), extraction.Request{
				Instruction: extraction.Instruction,
				MediaType:   extraction.MediaPDF,
				Data:        []byte("not a pdf"),
			})
			Expect(err).To(MatchError(extraction.ErrUnreadableDocument))
			Expect(server.ReceivedRequests()).To(BeEmpty())
		})
	})

	When("used through a Pool", func() {
		BeforeEach(func() {
			server.AppendHandlers(
				ghttp.RespondWith(http.StatusUnauthorized, "bad token"),
				ghttp.RespondWithJSONEncoded(http.StatusOK, ollamaChatResponse{Message: ollamaMessage{Content: "OK"}}),
			)
		})

		It("should fail over to the next credential", func() {
			pool, err := NewPool(NewOllamaDialer(server.URL()), []Credential{"first-token", "second-token"}, []string{"llava"})
			Expect(err).NotTo(HaveOccurred())
			handle, err := pool.Acquire(context.Background())
			Expect(err).NotTo(HaveOccurred())
			Expect(handle.Credential).To(Equal(Credential("second-token")))
			Expect(server.ReceivedRequests()).To(HaveLen(2))
			Expect(server.ReceivedRequests()[1].Header.Get("Authorization")).To(Equal("Bearer second-token"))
		})
	})
})
