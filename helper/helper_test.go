package helper_test

import (
	"bufio"
	"bytes"
	"context"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/eventcache"
	"github.com/nostr-ngit/ngit/helper"
	"github.com/nostr-ngit/ngit/pkgs/logger"
	"github.com/nostr-ngit/ngit/relay"
)

func TestHelper(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Helper Suite")
}

func newTestHelper() *helper.Helper {
	store, err := eventcache.Open("")
	Expect(err).NotTo(HaveOccurred())
	return helper.New("origin", nil, nil, store, relay.NewPool(), nil, nil, logger.New(""))
}

var _ = Describe("Serve", func() {
	It("answers capabilities with the supported command list terminated by a blank line", func() {
		h := newTestHelper()
		var out bytes.Buffer
		in := strings.NewReader("capabilities\n\n")

		err := h.Serve(context.Background(), in, &out, &bytes.Buffer{})
		Expect(err).NotTo(HaveOccurred())

		lines := splitLines(out.String())
		Expect(lines).To(ContainElement("push"))
		Expect(lines).To(ContainElement("fetch"))
		Expect(lines).To(ContainElement("option"))
		Expect(lines[len(lines)-1]).To(Equal(""))
	})

	It("rejects a line that isn't a known command", func() {
		h := newTestHelper()
		var out bytes.Buffer
		in := strings.NewReader("bogus-command\n")

		err := h.Serve(context.Background(), in, &out, &bytes.Buffer{})
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("bogus-command"))
	})

	It("returns cleanly on EOF with no pending command", func() {
		h := newTestHelper()
		var out bytes.Buffer
		in := strings.NewReader("capabilities\n\n")

		err := h.Serve(context.Background(), in, &out, &bytes.Buffer{})
		Expect(err).NotTo(HaveOccurred())

		// A second Serve call against an already-exhausted reader
		// observes EOF immediately and returns nil, never erroring.
		empty := bufio.NewReader(strings.NewReader(""))
		err = h.Serve(context.Background(), empty, &bytes.Buffer{}, &bytes.Buffer{})
		Expect(err).NotTo(HaveOccurred())
	})
})

func splitLines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
