package main

import (
	"flag"
	"log"

	defectanalyzer "github.com/ekaraca/defect-analyzer"
	"github.com/ekaraca/defect-analyzer/internal/config"
)

func main() {
	var configPath, dataDir, modelsDir, listenAddr string
	flag.StringVar(&configPath, "config", "", "path to JSON config file")
	flag.StringVar(&dataDir, "data", "", "override data directory")
	flag.StringVar(&modelsDir, "models", "", "override models directory")
	flag.StringVar(&listenAddr, "listen", "", "override listen address")
	flag.Parse()

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.LoadFromFile(configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnv()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if modelsDir != "" {
		cfg.ModelsDir = modelsDir
	}
	if listenAddr != "" {
		cfg.ListenAddr = listenAddr
	}

	app, err := defectanalyzer.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer app.Close()

	if err := app.ListenAndServe(); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
