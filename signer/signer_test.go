package signer_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/eventmodel"
	"github.com/nostr-ngit/ngit/signer"
)

func TestSigner(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Signer Suite")
}

var _ = Describe("InlineSigner", func() {
	It("signs an event whose id hash-matches and verifies", func() {
		s, err := signer.GenerateInlineSigner()
		Expect(err).To(BeNil())
		Expect(s.PublicKey()).To(HaveLen(64))

		ev, err := s.Sign(context.Background(), signer.Builder{
			Kind:      eventmodel.KindRepoState,
			CreatedAt: 1700000000,
			Tags:      eventmodel.Tags{{"d", "my-repo"}},
			Content:   "",
		})
		Expect(err).To(BeNil())
		Expect(ev.CheckID()).To(BeTrue())
		Expect(ev.PubKey).To(Equal(s.PublicKey()))
		Expect(signer.Verify(ev)).To(BeNil())
	})

	It("rejects a tampered event", func() {
		s, _ := signer.GenerateInlineSigner()
		ev, _ := s.Sign(context.Background(), signer.Builder{Kind: 1, CreatedAt: 1700000000})
		ev.Content = "tampered"
		Expect(signer.Verify(ev)).ToNot(BeNil())
	})
})

type fakePipe struct {
	resp signer.RemoteResponse
	err  error
}

func (f fakePipe) Call(ctx context.Context, req signer.RemoteRequest) (signer.RemoteResponse, error) {
	return f.resp, f.err
}

var _ = Describe("RemoteSigner", func() {
	It("delegates signing to the pipe and surfaces a decline as an error", func() {
		pipe := fakePipe{resp: signer.RemoteResponse{Error: "user declined"}}
		s := signer.NewRemoteSigner(pipe)
		_, err := s.Sign(context.Background(), signer.Builder{Kind: 1})
		Expect(err).ToNot(BeNil())
	})
})
