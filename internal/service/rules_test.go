package service_test

import (
	"context"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/pipeline"
	"github.com/forgeline/director/internal/service"
	"github.com/forgeline/director/internal/store"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var _ = Describe("rule service", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
		rs     *service.RuleService
	)

	BeforeAll(func() {
		db, err := store.InitDB(config.NewDefault())
		Expect(err).To(BeNil())

		s = store.NewStore(db)
		gormdb = db
		Expect(s.InitialMigration(context.TODO())).To(BeNil())
		rs = service.NewRuleService(s, pipeline.DefaultDefinition())
	})

	AfterEach(func() {
		gormdb.Exec("DELETE FROM enforcement_rules;")
		gormdb.Exec("DELETE FROM stage_prompts;")
	})

	AfterAll(func() {
		s.Close()
	})

	It("versions rules by name", func() {
		rego := "package director.enforcement\n\ndeny contains \"no\" if {\n\tinput.job.stage == \"docs\"\n}\n"
		first, err := rs.CreateRule(context.TODO(), service.CreateRuleRequest{Name: "no-docs", Rego: rego, Enabled: true})
		Expect(err).To(BeNil())
		Expect(first.Version).To(Equal(1))

		second, err := rs.CreateRule(context.TODO(), service.CreateRuleRequest{Name: "no-docs", Enabled: false})
		Expect(err).To(BeNil())
		Expect(second.Version).To(Equal(2))
		Expect(second.Enabled).To(BeFalse())

		latest, err := rs.ListRules(context.TODO(), true)
		Expect(err).To(BeNil())
		Expect(latest).To(HaveLen(1))
		Expect(latest[0].Version).To(Equal(2))

		all, err := rs.ListRules(context.TODO(), false)
		Expect(err).To(BeNil())
		Expect(all).To(HaveLen(2))
	})

	It("rejects enabled rules that do not compile", func() {
		_, err := rs.CreateRule(context.TODO(), service.CreateRuleRequest{Name: "broken", Rego: "package director.enforcement\ndeny contains", Enabled: true})
		Expect(err).To(BeAssignableToTypeOf(&service.ErrInvalidRule{}))

		_, err = rs.CreateRule(context.TODO(), service.CreateRuleRequest{Name: "elsewhere", Rego: "package other\n", Enabled: true})
		Expect(err).To(BeAssignableToTypeOf(&service.ErrInvalidRule{}))
	})

	It("versions prompts per working stage", func() {
		p, err := rs.CreatePrompt(context.TODO(), pipeline.StageDev, "implement {{ .Task.Title }}")
		Expect(err).To(BeNil())
		Expect(p.Version).To(Equal(1))

		p, err = rs.CreatePrompt(context.TODO(), pipeline.StageDev, "implement {{ .Task.Title }} carefully")
		Expect(err).To(BeNil())
		Expect(p.Version).To(Equal(2))

		latest, err := rs.LatestPrompts(context.TODO())
		Expect(err).To(BeNil())
		Expect(latest[pipeline.StageDev].Template).To(ContainSubstring("carefully"))
	})

	It("rejects prompts for stages without jobs and broken templates", func() {
		_, err := rs.CreatePrompt(context.TODO(), pipeline.StageComplete, "approve me")
		Expect(err).To(BeAssignableToTypeOf(&service.ErrInvalidPrompt{}))

		_, err = rs.CreatePrompt(context.TODO(), pipeline.StageDev, "{{ .Task.Title ")
		Expect(err).To(BeAssignableToTypeOf(&service.ErrInvalidPrompt{}))
	})
})
