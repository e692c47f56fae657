package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"lending/internal/handlers"
	"lending/internal/models"
	"lending/internal/notify"
	"lending/internal/repositories"
	"lending/internal/services"
	"lending/internal/sessions"
	"lending/internal/workflow"
)

func openDB() *gorm.DB {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		log.Fatal("DATABASE_URL environment variable is required")
	}

	// TranslateError maps driver unique violations onto gorm.ErrDuplicatedKey,
	// which the submit path relies on.
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to get generic DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return db
}

func serve() {
	db := openDB()

	sessionDir := os.Getenv("SESSION_DIR")
	store, err := sessions.Open(sessionDir)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer store.Close()

	var pusher notify.Pusher = notify.NopPusher{}
	if url := os.Getenv("NOTIFY_WEBHOOK_URL"); url != "" {
		pusher = notify.NewWebhookPusher(url)
	} else {
		log.Printf("[WARN] NOTIFY_WEBHOOK_URL not set, notifications will be dropped")
	}

	bookRepo := repositories.NewBookRepository(db)
	loanRepo := repositories.NewLoanRepository(db)
	adminRepo := repositories.NewAdminRepository(db)

	lendingService := services.NewLendingService(db, bookRepo, loanRepo, adminRepo, pusher)
	coordinator := workflow.NewCoordinator(lendingService, store)

	router := gin.Default()

	handlers.RegisterRoutes(router, lendingService, coordinator)

	serverAddr := os.Getenv("SERVER_ADDR")
	if serverAddr == "" {
		serverAddr = ":8080"
	}

	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	log.Printf("Starting server on %s", serverAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func migrate() {
	db := openDB()
	if err := models.Migrate(db); err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Printf("[INFO] migrate: schema is up to date")
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "lending",
		Short: "Book lending service with a two-phase loan approval workflow",
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Run: func(cmd *cobra.Command, args []string) {
			serve()
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Run: func(cmd *cobra.Command, args []string) {
			migrate()
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
