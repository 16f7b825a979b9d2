package events

import (
	"bytes"
	"context"
	"encoding/json"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("producer", Ordered, func() {
	Context("write", func() {
		It("writes succsessfully", func() {
			w := NewMemoryWriter()
			kp := NewEventProducer(w)

			// add the first message
			msg := []byte("msg1")
			err := kp.Write(context.TODO(), "topic1", bytes.NewReader(msg))
			Expect(err).To(BeNil())
			Eventually(func() int { return len(w.Events()) }).Should(Equal(1))
			Expect(w.Events()[0].Context.GetType()).To(Equal("topic1"))

			msg = []byte("msg2")
			err = kp.Write(context.TODO(), "topic2", bytes.NewReader(msg))
			Expect(err).To(BeNil())

			Eventually(func() int { return len(w.Events()) }).Should(Equal(2))

			Expect(kp.Close()).To(BeNil())
		})

		It("keeps the order of a burst", func() {
			w := NewMemoryWriter()
			kp := NewEventProducer(w)

			for _, kind := range []string{TaskStarted, TaskAdvanced, TaskGateFailed, TaskRetried} {
				kp.EmitTask(context.TODO(), TaskEvent{TaskID: 7, Kind: kind})
			}
			kp.EmitJob(context.TODO(), JobEvent{JobID: 3, Kind: JobKilled, Reason: "operator abort"})

			Eventually(w.TaskKinds).Should(Equal([]string{TaskStarted, TaskAdvanced, TaskGateFailed, TaskRetried}))
			Eventually(w.JobKinds).Should(Equal([]string{JobKilled}))

			var je JobEvent
			last := w.Events()[len(w.Events())-1]
			Expect(last.Source()).To(Equal(eventSource))
			Expect(json.Unmarshal(last.Data(), &je)).To(Succeed())
			Expect(je.Reason).To(Equal("operator abort"))

			Expect(kp.Close()).To(BeNil())
		})
	})
})
