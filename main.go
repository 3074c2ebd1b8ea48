package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"pv-radar/config"
	"pv-radar/models"
	"pv-radar/providers/pubmed"
	"pv-radar/services"
	"pv-radar/storage"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// respondOK schickt die einheitliche Erfolgs-Hülle.
func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// respondErr schickt die einheitliche Fehler-Hülle.
func respondErr(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "error": msg})
}

// toStringSlice wandelt ein entpacktes JSON-Array in eine JSONSlice um.
// null leert die Liste.
func toStringSlice(raw interface{}) (datatypes.JSONSlice[string], error) {
	if raw == nil {
		return datatypes.JSONSlice[string]{}, nil
	}
	items, ok := raw.([]interface{})
	if !ok {
		return nil, errors.New("not an array")
	}
	list := make(datatypes.JSONSlice[string], 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errors.New("not an array of strings")
		}
		list = append(list, s)
	}
	return list, nil
}

func main() {
	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	// Setup Database Connection
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}
	logging.Info("Successfully connected to database.")

	logging.Info("Running database auto-migration...")
	if err := db.AutoMigrate(
		&models.Product{},
		&models.Article{},
		&models.SearchJob{},
		&models.SearchResult{},
	); err != nil {
		logging.Fatal("Auto-migration failed", zap.Error(err))
	}

	// Ein Limiter für alle Jobs, damit parallele Suchen das
	// PubMed-Limit nicht gemeinsam überschreiten.
	limiter := rate.NewLimiter(rate.Limit(cfg.PubMedRateLimit), 1)

	// Setup Services
	provider := pubmed.NewFetcher(cfg, logging, limiter)
	analyzer := services.NewAIService(cfg, logging)
	searchService := services.NewSearchService(cfg, db, logging, provider, analyzer)

	archive, err := storage.NewTrackerArchive(context.Background(), cfg)
	if err != nil {
		logging.Fatal("S3 client creation failed", zap.Error(err))
	}
	if archive != nil {
		logging.Info("S3 tracker archive enabled", zap.String("bucket", cfg.S3Bucket))
	}
	exportService := services.NewExportService(cfg, db, logging, archive)

	// Setup Router
	router := gin.Default()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORSOriginList(),
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "pv-radar"})
	})

	// Setup Routes
	setupProductRoutes(router, db, logging)
	setupSearchRoutes(router, db, searchService, logging)
	setupExportRoutes(router, exportService, logging)
	setupConfigRoutes(router, cfg, limiter, logging)

	// Setup Cron: wöchentlicher Batch-Lauf über alle Produkte
	if cfg.CronSchedule != "" {
		cronScheduler := cron.New()
		_, err := cronScheduler.AddFunc(cfg.CronSchedule, func() {
			logging.Info("Running scheduled batch search...")
			to := time.Now()
			from := to.AddDate(0, 0, -7)
			var total int64
			db.Model(&models.Product{}).Count(&total)
			job, err := searchService.CreateJob(models.JobTypeBatch, &from, &to, int(total))
			if err != nil {
				logging.Error("Scheduled batch job creation failed", zap.Error(err))
				return
			}
			searchService.Run(context.Background(), job.ID, nil)
		})
		if err != nil {
			logging.Fatal("Invalid cron schedule", zap.Error(err))
		}
		cronScheduler.Start()
		logging.Info("Cron scheduler started", zap.String("schedule", cfg.CronSchedule))
	}

	logging.Info("Starting server", zap.String("port", cfg.HTTPPort))
	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil {
		logging.Fatal("Failed to run server", zap.Error(err))
	}
}

func setupProductRoutes(router *gin.Engine, db *gorm.DB, log *zap.Logger) {
	rg := router.Group("/api/products")

	rg.GET("", func(c *gin.Context) {
		var products []models.Product
		if err := db.Order("inn").Find(&products).Error; err != nil {
			log.Error("Database query for products failed", zap.Error(err))
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}
		respondOK(c, http.StatusOK, products)
	})

	rg.GET("/:id", func(c *gin.Context) {
		var product models.Product
		if err := db.First(&product, c.Param("id")).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondErr(c, http.StatusNotFound, "product not found")
				return
			}
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}
		respondOK(c, http.StatusOK, product)
	})

	rg.POST("", func(c *gin.Context) {
		var product models.Product
		if err := c.ShouldBindJSON(&product); err != nil {
			respondErr(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if product.INN == "" || product.SearchStrategy == "" {
			respondErr(c, http.StatusBadRequest, "inn and search_strategy are required")
			return
		}
		if err := db.Create(&product).Error; err != nil {
			log.Error("DB error creating product", zap.String("inn", product.INN), zap.Error(err))
			respondErr(c, http.StatusConflict, "product could not be created (duplicate inn?)")
			return
		}
		respondOK(c, http.StatusCreated, product)
	})

	rg.PUT("/:id", func(c *gin.Context) {
		id := c.Param("id")
		var product models.Product
		if err := db.First(&product, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondErr(c, http.StatusNotFound, "product not found")
				return
			}
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}

		// Nur die gesendeten Felder binden, um Überschreiben zu verhindern
		var updateData map[string]interface{}
		if err := c.ShouldBindJSON(&updateData); err != nil {
			respondErr(c, http.StatusBadRequest, "invalid request body")
			return
		}
		delete(updateData, "id")
		delete(updateData, "created_at")

		// Die Listenattribute kommen als []interface{} aus dem JSON-Body und
		// müssen für die JSONSlice-Spalten typisiert werden.
		for _, key := range []string{"territories", "dosage_forms", "routes_of_administration"} {
			raw, sent := updateData[key]
			if !sent {
				continue
			}
			list, err := toStringSlice(raw)
			if err != nil {
				respondErr(c, http.StatusBadRequest, key+" must be an array of strings")
				return
			}
			updateData[key] = list
		}

		if err := db.Model(&product).Updates(updateData).Error; err != nil {
			log.Error("DB error updating product", zap.String("id", id), zap.Error(err))
			respondErr(c, http.StatusInternalServerError, "failed to update product")
			return
		}
		respondOK(c, http.StatusOK, product)
	})

	rg.DELETE("/:id", func(c *gin.Context) {
		result := db.Delete(&models.Product{}, c.Param("id"))
		if result.Error != nil {
			respondErr(c, http.StatusInternalServerError, "failed to delete product")
			return
		}
		if result.RowsAffected == 0 {
			respondErr(c, http.StatusNotFound, "product not found")
			return
		}
		respondOK(c, http.StatusOK, gin.H{"deleted": true})
	})

	// Bulk-Import: Upsert über die INN, damit der Import idempotent bleibt.
	rg.POST("/import", func(c *gin.Context) {
		var incoming []models.Product
		if err := c.ShouldBindJSON(&incoming); err != nil {
			respondErr(c, http.StatusBadRequest, "invalid request body, expected a json array of products")
			return
		}

		created, updated, skipped := 0, 0, 0
		for _, p := range incoming {
			if p.INN == "" || p.SearchStrategy == "" {
				skipped++
				continue
			}
			var existing models.Product
			err := db.Where("inn = ?", p.INN).First(&existing).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				p.ID = 0
				if err := db.Create(&p).Error; err != nil {
					log.Error("Import: create failed", zap.String("inn", p.INN), zap.Error(err))
					skipped++
					continue
				}
				created++
			case err != nil:
				respondErr(c, http.StatusInternalServerError, "database error")
				return
			default:
				if err := db.Model(&existing).Updates(map[string]interface{}{
					"search_strategy":          p.SearchStrategy,
					"is_eu_product":            p.IsEUProduct,
					"territories":              p.Territories,
					"dosage_forms":             p.DosageForms,
					"routes_of_administration": p.RoutesOfAdministration,
					"marketing_status":         p.MarketingStatus,
				}).Error; err != nil {
					log.Error("Import: update failed", zap.String("inn", p.INN), zap.Error(err))
					skipped++
					continue
				}
				updated++
			}
		}

		log.Info("Product import finished",
			zap.Int("created", created), zap.Int("updated", updated), zap.Int("skipped", skipped))
		respondOK(c, http.StatusOK, gin.H{"created": created, "updated": updated, "skipped": skipped})
	})
}

// searchRequest ist der gemeinsame Body für einzelne und Batch-Suchen.
type searchRequest struct {
	ProductID  uint   `json:"product_id"`
	ProductIDs []uint `json:"product_ids"`
	DateFrom   string `json:"date_from"`
	DateTo     string `json:"date_to"`
}

func (r *searchRequest) dateRange() (*time.Time, *time.Time, error) {
	parse := func(s string) (*time.Time, error) {
		if s == "" {
			return nil, nil
		}
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return nil, fmt.Errorf("invalid date %q, expected YYYY-MM-DD", s)
		}
		return &t, nil
	}
	from, err := parse(r.DateFrom)
	if err != nil {
		return nil, nil, err
	}
	to, err := parse(r.DateTo)
	if err != nil {
		return nil, nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, nil, errors.New("date_to must not be before date_from")
	}
	return from, to, nil
}

func setupSearchRoutes(router *gin.Engine, db *gorm.DB, searchService *services.SearchService, log *zap.Logger) {
	rg := router.Group("/api/search")

	// Startet eine Suche für ein einzelnes Produkt; läuft asynchron.
	rg.POST("/execute", func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.ProductID == 0 {
			respondErr(c, http.StatusBadRequest, "product_id is required")
			return
		}
		from, to, err := req.dateRange()
		if err != nil {
			respondErr(c, http.StatusBadRequest, err.Error())
			return
		}

		var product models.Product
		if err := db.First(&product, req.ProductID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondErr(c, http.StatusNotFound, "product not found")
				return
			}
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}

		job, err := searchService.CreateJob(models.JobTypeSingle, from, to, 1)
		if err != nil {
			respondErr(c, http.StatusInternalServerError, "failed to create search job")
			return
		}
		go searchService.Run(context.Background(), job.ID, []uint{req.ProductID})

		respondOK(c, http.StatusAccepted, job)
	})

	// Startet eine Batch-Suche; ohne product_ids über alle Produkte.
	rg.POST("/batch", func(c *gin.Context) {
		var req searchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			respondErr(c, http.StatusBadRequest, "invalid request body")
			return
		}
		from, to, err := req.dateRange()
		if err != nil {
			respondErr(c, http.StatusBadRequest, err.Error())
			return
		}

		total := len(req.ProductIDs)
		if total == 0 {
			var count int64
			if err := db.Model(&models.Product{}).Count(&count).Error; err != nil {
				respondErr(c, http.StatusInternalServerError, "database error")
				return
			}
			total = int(count)
		}
		if total == 0 {
			respondErr(c, http.StatusBadRequest, "no products to search")
			return
		}

		job, err := searchService.CreateJob(models.JobTypeBatch, from, to, total)
		if err != nil {
			respondErr(c, http.StatusInternalServerError, "failed to create search job")
			return
		}
		go searchService.Run(context.Background(), job.ID, req.ProductIDs)

		respondOK(c, http.StatusAccepted, job)
	})

	rg.GET("/jobs", func(c *gin.Context) {
		query := db.Model(&models.SearchJob{}).Order("created_at desc")
		if status := c.Query("status"); status != "" {
			query = query.Where("status = ?", status)
		}
		if limit, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && limit > 0 {
			query = query.Limit(limit)
		}
		var jobs []models.SearchJob
		if err := query.Find(&jobs).Error; err != nil {
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}
		respondOK(c, http.StatusOK, jobs)
	})

	rg.GET("/jobs/:id", func(c *gin.Context) {
		var job models.SearchJob
		if err := db.First(&job, c.Param("id")).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondErr(c, http.StatusNotFound, "search job not found")
				return
			}
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}
		respondOK(c, http.StatusOK, job)
	})

	rg.GET("/jobs/:id/results", func(c *gin.Context) {
		var job models.SearchJob
		if err := db.First(&job, c.Param("id")).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondErr(c, http.StatusNotFound, "search job not found")
				return
			}
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}

		var results []models.SearchResult
		if err := db.Preload("Product").Preload("Article").
			Where("search_job_id = ?", job.ID).Order("id").Find(&results).Error; err != nil {
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}
		respondOK(c, http.StatusOK, results)
	})

	// Manuelle Review-Überschreibungen; die KI-Analyse bleibt unangetastet.
	rg.PUT("/results/:id", func(c *gin.Context) {
		id := c.Param("id")
		var result models.SearchResult
		if err := db.First(&result, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				respondErr(c, http.StatusNotFound, "search result not found")
				return
			}
			respondErr(c, http.StatusInternalServerError, "database error")
			return
		}

		var updateData map[string]interface{}
		if err := c.ShouldBindJSON(&updateData); err != nil {
			respondErr(c, http.StatusBadRequest, "invalid request body")
			return
		}

		allowed := map[string]bool{
			"is_icsr":                    true,
			"icsr_description":           true,
			"ownership_excluded":         true,
			"exclusion_reason":           true,
			"is_duplicate":               true,
			"minimum_criteria_available": true,
			"other_safety_info":          true,
			"safety_info_justification":  true,
			"reviewed_by":                true,
			"qc_by":                      true,
			"comments":                   true,
			"date_sent_to_provider":      true,
			"icsr_code":                  true,
		}
		filtered := map[string]interface{}{}
		for k, v := range updateData {
			if allowed[k] {
				filtered[k] = v
			}
		}
		if len(filtered) == 0 {
			respondErr(c, http.StatusBadRequest, "no updatable fields in request body")
			return
		}

		if err := db.Model(&result).Updates(filtered).Error; err != nil {
			log.Error("DB error updating search result", zap.String("id", id), zap.Error(err))
			respondErr(c, http.StatusInternalServerError, "failed to update search result")
			return
		}
		respondOK(c, http.StatusOK, result)
	})
}

func setupExportRoutes(router *gin.Engine, exportService *services.ExportService, log *zap.Logger) {
	rg := router.Group("/api/export")

	rg.POST("/excel/:job_id", func(c *gin.Context) {
		jobID, err := strconv.ParseUint(c.Param("job_id"), 10, 64)
		if err != nil {
			respondErr(c, http.StatusBadRequest, "invalid job id")
			return
		}

		var req struct {
			WeekNumber string `json:"week_number"`
			Filter     string `json:"filter"`
		}
		// Body ist optional
		_ = c.ShouldBindJSON(&req)
		if req.WeekNumber == "" {
			_, week := time.Now().ISOWeek()
			req.WeekNumber = strconv.Itoa(week)
		}
		if req.Filter == "" {
			req.Filter = services.FilterAll
		}
		switch req.Filter {
		case services.FilterAll, services.FilterICSR, services.FilterHighConfidence:
		default:
			respondErr(c, http.StatusBadRequest, "filter must be one of: all, icsr, high_confidence")
			return
		}

		filename, data, s3Link, err := exportService.GenerateTracker(c.Request.Context(), uint(jobID), req.WeekNumber, req.Filter)
		if err != nil {
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				respondErr(c, http.StatusNotFound, "search job not found")
			case errors.Is(err, services.ErrJobNotCompleted):
				respondErr(c, http.StatusBadRequest, "search job is not completed")
			case errors.Is(err, services.ErrNoResults):
				respondErr(c, http.StatusNotFound, "no results match the requested filter")
			default:
				log.Error("Excel export failed", zap.Uint64("job_id", jobID), zap.Error(err))
				respondErr(c, http.StatusInternalServerError, "export failed")
			}
			return
		}

		if s3Link != "" {
			c.Header("X-Archive-Link", s3Link)
		}
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
		c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
	})

	rg.GET("/files", func(c *gin.Context) {
		files, err := exportService.ListExports()
		if err != nil {
			log.Error("Listing export files failed", zap.Error(err))
			respondErr(c, http.StatusInternalServerError, "failed to list export files")
			return
		}
		respondOK(c, http.StatusOK, files)
	})
}

func setupConfigRoutes(router *gin.Engine, cfg *config.Config, limiter *rate.Limiter, log *zap.Logger) {
	rg := router.Group("/api/config")

	// Liefert die aktive Konfiguration ohne Secrets.
	rg.GET("", func(c *gin.Context) {
		respondOK(c, http.StatusOK, gin.H{
			"pubmed_base_url":             cfg.PubMedBaseURL,
			"pubmed_tool":                 cfg.PubMedTool,
			"pubmed_email":                cfg.PubMedEmail,
			"pubmed_rate_limit":           cfg.PubMedRateLimit,
			"pubmed_api_key_configured":   cfg.PubMedAPIKey != "",
			"openai_base_url":             cfg.OpenAIBaseURL,
			"openai_model":                cfg.OpenAIModel,
			"openai_api_key_configured":   cfg.OpenAIAPIKey != "",
			"max_articles_per_search":     cfg.MaxArticlesPerSearch,
			"confidence_threshold_high":   cfg.ConfidenceHigh,
			"confidence_threshold_medium": cfg.ConfidenceMedium,
			"cron_schedule":               cfg.CronSchedule,
			"s3_archive_enabled":          cfg.S3Configured(),
		})
	})

	rg.POST("/test-pubmed", func(c *gin.Context) {
		var req struct {
			APIKey string `json:"api_key"`
		}
		_ = c.ShouldBindJSON(&req)

		testCfg := *cfg
		if req.APIKey != "" {
			testCfg.PubMedAPIKey = req.APIKey
		}

		fetcher := pubmed.NewFetcher(&testCfg, log, limiter)
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := fetcher.TestConnection(ctx); err != nil {
			log.Warn("PubMed connection test failed", zap.Error(err))
			respondErr(c, http.StatusBadGateway, "pubmed connection test failed: "+err.Error())
			return
		}
		respondOK(c, http.StatusOK, gin.H{"connected": true, "provider": fetcher.Name()})
	})

	rg.POST("/test-openai", func(c *gin.Context) {
		var req struct {
			APIKey  string `json:"api_key"`
			BaseURL string `json:"base_url"`
			Model   string `json:"model"`
		}
		_ = c.ShouldBindJSON(&req)

		testCfg := *cfg
		if req.APIKey != "" {
			testCfg.OpenAIAPIKey = req.APIKey
		}
		if req.BaseURL != "" {
			testCfg.OpenAIBaseURL = req.BaseURL
		}
		if req.Model != "" {
			testCfg.OpenAIModel = req.Model
		}

		analyzer := services.NewAIService(&testCfg, log)
		ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
		defer cancel()
		if err := analyzer.TestConnection(ctx); err != nil {
			log.Warn("OpenAI connection test failed", zap.Error(err))
			respondErr(c, http.StatusBadGateway, "openai connection test failed: "+err.Error())
			return
		}
		respondOK(c, http.StatusOK, gin.H{"connected": true, "model": testCfg.OpenAIModel})
	})
}
