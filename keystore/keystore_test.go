package keystore_test

import (
	"os"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/nostr-ngit/ngit/keystore"
)

func TestKeystore(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Keystore Suite")
}

var _ = Describe("Keystore", func() {
	It("generates, persists, and unlocks an identity", func() {
		dir, err := os.MkdirTemp("", "keystore-test")
		Expect(err).To(BeNil())
		defer os.RemoveAll(dir)

		ks := keystore.New(dir)
		rec, pub, err := ks.Generate("hunter2")
		Expect(err).To(BeNil())
		Expect(rec.PublicKey).To(Equal(pub))
		Expect(rec.Unprotected).To(BeFalse())

		sgn, err := ks.Unlock(pub, "hunter2")
		Expect(err).To(BeNil())
		Expect(sgn.PublicKey()).To(Equal(pub))

		_, err = ks.Unlock(pub, "wrong")
		Expect(err).NotTo(BeNil())
	})

	It("marks default-passphrase identities unprotected", func() {
		dir, err := os.MkdirTemp("", "keystore-test-unprotected")
		Expect(err).To(BeNil())
		defer os.RemoveAll(dir)

		ks := keystore.New(dir)
		rec, pub, err := ks.Generate("")
		Expect(err).To(BeNil())
		Expect(rec.Unprotected).To(BeTrue())

		sgn, err := ks.Unlock(pub, "")
		Expect(err).To(BeNil())
		Expect(sgn.PublicKey()).To(Equal(pub))
	})

	It("lists every stored record", func() {
		dir, err := os.MkdirTemp("", "keystore-test-list")
		Expect(err).To(BeNil())
		defer os.RemoveAll(dir)

		ks := keystore.New(dir)
		_, _, err = ks.Generate("a")
		Expect(err).To(BeNil())
		_, _, err = ks.Generate("b")
		Expect(err).To(BeNil())

		recs, err := ks.List()
		Expect(err).To(BeNil())
		Expect(recs).To(HaveLen(2))
	})
})
