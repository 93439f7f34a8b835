package extraction

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("DetectMediaType", func() {
	DescribeTable("resolving the media type",
		func(filename, declared, expected string) {
			Expect(DetectMediaType(filename, declared)).To(Equal(expected))
		},
		Entry("declared type is normalized", "a.bin", " Image/PNG ", MediaPNG),
		Entry("parameters are dropped", "a.pdf", "application/pdf; charset=binary", MediaPDF),
		Entry("image/jpg is corrected", "a", "image/jpg", MediaJPEG),
		Entry("empty type falls back to extension", "scan.JPEG", "", MediaJPEG),
		Entry("octet-stream falls back to extension", "scan.pdf", "application/octet-stream", MediaPDF),
		Entry("heic extension", "IMG_0001.HEIC", "", MediaHEIC),
		Entry("unknown extension", "notes.txt", "", "application/octet-stream"),
	)
})

var _ = Describe("BuildRequest", func() {
	var (
		doc Document
		req Request
		err error
	)

	JustBeforeEach(func() {
		req, err = BuildRequest(doc)
	})

	When("the document is a PDF", func() {
		BeforeEach(func() {
			doc = NewDocument("invoice.pdf", "", []byte("%PDF-1.4 fake"))
		})

		It("should pass the payload through", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(req.MediaType).To(Equal(MediaPDF))
			Expect(req.Data).To(Equal([]byte("%PDF-1.4 fake")))
		})

		It("should carry the fixed instruction", func() {
			Expect(req.Instruction).To(Equal(Instruction))
			for _, c := range Columns[1:] {
				Expect(req.Instruction).To(ContainSubstring(c))
			}
		})
	})

	When("the document is a JPEG", func() {
		BeforeEach(func() {
			doc = NewDocument("photo.jpg", "image/jpeg", []byte{0xff, 0xd8, 0xff})
		})

		It("should keep the JPEG media type", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(req.MediaType).To(Equal(MediaJPEG))
		})
	})

	When("the document type is not accepted", func() {
		BeforeEach(func() {
			doc = NewDocument("notes.txt", "text/plain", []byte("hello"))
		})

		It("returns ErrUnsupportedMediaType", func() {
			Expect(err).To(MatchError(ErrUnsupportedMediaType))
		})
	})

	When("the document is empty", func() {
		BeforeEach(func() {
			doc = NewDocument("empty.png", "image/png", nil)
		})

		It("returns an error", func() {
			Expect(err).To(HaveOccurred())
		})
	})
})

var _ = Describe("isHEICFormat", func() {
	It("recognizes the heic brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEICFormat(data)).To(BeTrue())
	})

	It("rejects short input", func() {
		Expect(isHEICFormat([]byte("ftyp"))).To(BeFalse())
	})

	It("rejects other brands", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypisom0000")...)
		Expect(isHEICFormat(data)).To(BeFalse())
	})
})
