package store

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("syncDir", func() {
	It("should sync an existing directory", func() {
		Expect(syncDir(GinkgoT().TempDir())).To(Succeed())
	})

	It("should fail for a missing directory", func() {
		Expect(syncDir(filepath.Join(GinkgoT().TempDir(), "gone"))).NotTo(Succeed())
	})

	It("should report a save whose directory vanished", func() {
		dir := filepath.Join(GinkgoT().TempDir(), "data")
		fs, err := NewFileStore(dir)
		Expect(err).NotTo(HaveOccurred())
		Expect(os.RemoveAll(dir)).To(Succeed())

		Expect(fs.Save(context.Background(), CollectionLive, NewFeatureCollection())).NotTo(Succeed())
	})
})
