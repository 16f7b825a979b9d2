package migrations_test

import (
	"fmt"
	"os"
	"path"

	"github.com/forgeline/director/internal/config"
	"github.com/forgeline/director/internal/store"
	"github.com/forgeline/director/pkg/migrations"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"
)

var tables = []string{"jobs", "tasks", "task_dependencies", "stage_transitions", "stage_reports", "enforcement_rules", "stage_prompts", "backend_health"}

var _ = Describe("migrations", Ordered, func() {
	var (
		s      store.Store
		gormdb *gorm.DB
	)

	BeforeAll(func() {
		cfg, err := config.New()
		Expect(err).To(BeNil())
		if cfg.Database.Type != config.DBTypePostgres {
			Skip("goose migrations target postgres")
		}

		db, err := store.InitDB(cfg)
		if err != nil {
			Skip(fmt.Sprintf("postgres is not reachable: %v", err))
		}

		s = store.NewStore(db)
		gormdb = db
	})

	AfterAll(func() {
		if s != nil {
			s.Close()
		}
	})

	Context("store migrations", Ordered, func() {
		tableExists := func(name string) bool {
			exists := false
			tx := gormdb.Raw(fmt.Sprintf("SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' and tablename = '%s');", name)).Scan(&exists)
			Expect(tx.Error).To(BeNil())

			return exists
		}

		It("fails to migrate the db -- migration folder does not exist", func() {
			err := migrations.MigrateStore(gormdb, "some folder")
			Expect(err).NotTo(BeNil())
		})

		It("successfully migrates the db from a folder", func() {
			currentFolder, err := os.Getwd()
			Expect(err).To(BeNil())

			err = migrations.MigrateStore(gormdb, path.Join(currentFolder, "sql"))
			Expect(err).To(BeNil())

			for _, table := range tables {
				Expect(tableExists(table)).To(BeTrue())
			}
		})

		It("successfully migrates the db from the embedded files", func() {
			Expect(migrations.MigrateStore(gormdb, "")).To(Succeed())
			Expect(migrations.Status(gormdb, "")).To(Succeed())

			for _, table := range tables {
				Expect(tableExists(table)).To(BeTrue())
			}
		})

		AfterEach(func() {
			for i := len(tables) - 1; i >= 0; i-- {
				gormdb.Exec(fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE;", tables[i]))
			}
			gormdb.Exec("DROP TABLE IF EXISTS goose_db_version;")
		})
	})
})
