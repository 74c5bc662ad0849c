package crawler

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/Sriram-PR/site-mirror/pkg/config"
	"github.com/Sriram-PR/site-mirror/pkg/models"
	"github.com/Sriram-PR/site-mirror/pkg/storage"
	"github.com/Sriram-PR/site-mirror/pkg/utils"
)

// SummaryFilename is written to the output root when the crawler is deinitialized
const SummaryFilename = "crawl_summary.yaml"

// OutputManager is the built-in progress observer: it appends finished resources to the
// TSV mapping file, records outcomes in the history store and collects the figures for
// the crawl summary.
type OutputManager struct {
	log       *logrus.Entry
	outputDir string
	session   string

	// TSV mapping
	mappingFile     *os.File
	mappingFileMu   sync.Mutex
	mappingFilePath string

	history   storage.HistoryStore // nil disables history
	unchanged atomic.Int64         // Saved with the same content as a previous session

	errMu           sync.Mutex
	errorCategories map[string]int
	crawlStartTime  time.Time
}

// NewOutputManager creates an OutputManager without opening files.
// Call OpenFiles once the output directory exists.
func NewOutputManager(log *logrus.Entry, outputDir, session string, history storage.HistoryStore) *OutputManager {
	return &OutputManager{
		log:             log,
		outputDir:       outputDir,
		session:         session,
		history:         history,
		errorCategories: make(map[string]int),
		crawlStartTime:  time.Now(),
	}
}

// OpenFiles opens the mapping file if enabled, appending when resuming
func (om *OutputManager) OpenFiles(cfg config.CrawlConfig, resume bool) {
	if !cfg.WriteMappingFile {
		om.log.Info("TSV URL-to-FilePath mapping is disabled.")
		return
	}
	om.mappingFileMu.Lock()
	defer om.mappingFileMu.Unlock()
	if om.mappingFile != nil {
		return
	}
	om.mappingFilePath = filepath.Join(om.outputDir, cfg.MappingFilename)
	om.log.Infof("TSV URL-to-FilePath mapping enabled. Output file: %s", om.mappingFilePath)
	om.mappingFile = openOutputFile(om.log, om.mappingFilePath, "TSV mapping", resume)
}

// openOutputFile opens an output file for writing, with append or truncate based on resume mode.
// Returns nil on error (caller should treat nil as "output disabled").
func openOutputFile(log *logrus.Entry, path, label string, resume bool) *os.File {
	openFlags := os.O_CREATE | os.O_WRONLY
	if resume {
		log.Infof("Resume mode: Appending to %s file: %s", label, path)
		openFlags |= os.O_APPEND
	} else {
		log.Infof("Non-resume mode: Truncating %s file: %s", label, path)
		openFlags |= os.O_TRUNC
	}
	file, err := os.OpenFile(path, openFlags, 0644)
	if err != nil {
		log.Errorf("Failed to open/create %s file '%s': %v. %s output will be disabled.", label, path, err, label)
		return nil
	}
	return file
}

// Observe handles one progress event
func (om *OutputManager) Observe(ev models.ProgressEvent) {
	switch ev.Status {
	case models.StatusFinished:
		if !ev.Skipped && ev.Resource.LocalPath != "" {
			om.writeToMappingFile(ev.Resource.URLString(), ev.Resource.LocalPath)
		}
		om.record(ev)
	case models.StatusError:
		category := utils.CategorizeError(ev.Err)
		om.errMu.Lock()
		om.errorCategories[category]++
		om.errMu.Unlock()
		om.record(ev)
	}
}

// record writes the outcome to the history store
func (om *OutputManager) record(ev models.ProgressEvent) {
	if om.history == nil {
		return
	}
	res := ev.Resource
	entry := &models.HistoryEntry{
		ContentType: res.ContentType,
		StatusCode:  res.StatusCode,
		Depth:       res.Depth,
		Session:     om.session,
		LastAttempt: time.Now(),
	}
	switch {
	case ev.Status == models.StatusError:
		entry.Status = models.HistoryFailure
		entry.ErrorType = utils.CategorizeError(ev.Err)
	case ev.Skipped:
		entry.Status = models.HistorySkipped
	default:
		entry.Status = models.HistorySuccess
		entry.LocalPath = om.relative(res.LocalPath)
		if hash, err := utils.CalculateFileSHA256(res.LocalPath); err == nil {
			entry.ContentHash = hash
			if om.unchangedSince(res.URLString(), hash) {
				om.unchanged.Add(1)
			}
		} else {
			om.log.WithField("path", res.LocalPath).Debugf("Could not hash saved file: %v", err)
		}
	}
	if err := om.history.Record(res.URLString(), entry); err != nil {
		om.log.WithField("url", res.URLString()).Errorf("Failed to record history: %v", err)
	}
}

// unchangedSince reports whether an earlier session saved the same content for rawURL
func (om *OutputManager) unchangedSince(rawURL, hash string) bool {
	status, prev, err := om.history.Lookup(rawURL)
	if err != nil {
		om.log.WithField("url", rawURL).Debugf("History lookup failed: %v", err)
		return false
	}
	return status == models.HistorySuccess && prev != nil && prev.ContentHash == hash
}

// Unchanged returns how many resources were saved with the content recorded by an earlier session
func (om *OutputManager) Unchanged() int64 { return om.unchanged.Load() }

func (om *OutputManager) relative(p string) string {
	rel, err := filepath.Rel(om.outputDir, p)
	if err != nil {
		return p
	}
	return filepath.ToSlash(rel)
}

// writeToMappingFile writes a line to the TSV mapping file (if enabled and open)
func (om *OutputManager) writeToMappingFile(pageURL, absoluteFilePath string) {
	om.mappingFileMu.Lock()
	defer om.mappingFileMu.Unlock()

	if om.mappingFile == nil {
		return
	}

	line := fmt.Sprintf("%s\t%s\n", pageURL, absoluteFilePath)
	if _, err := om.mappingFile.WriteString(line); err != nil {
		om.log.WithFields(logrus.Fields{
			"tsv_mapping_file": om.mappingFilePath,
			"line_content":     strings.TrimSpace(line),
		}).Errorf("Failed to write to TSV mapping file: %v", err)
	}
}

// ErrorCategories returns a copy of the error counts by category
func (om *OutputManager) ErrorCategories() map[string]int {
	om.errMu.Lock()
	defer om.errMu.Unlock()
	out := make(map[string]int, len(om.errorCategories))
	for k, v := range om.errorCategories {
		out[k] = v
	}
	return out
}

// Close closes the mapping file and writes the crawl summary
func (om *OutputManager) Close(meta models.CrawlMetadata, cfg config.CrawlConfig) error {
	om.closeMappingFile()
	return om.writeSummaryYAML(meta, cfg)
}

// closeMappingFile closes the TSV mapping file, if it was opened.
func (om *OutputManager) closeMappingFile() {
	om.mappingFileMu.Lock()
	defer om.mappingFileMu.Unlock()

	if om.mappingFile != nil {
		om.log.Infof("Syncing and closing TSV mapping file: %s", om.mappingFilePath)
		if err := om.mappingFile.Sync(); err != nil {
			om.log.Errorf("Error syncing TSV mapping file '%s': %v", om.mappingFilePath, err)
		}
		if err := om.mappingFile.Close(); err != nil {
			om.log.Errorf("Error closing TSV mapping file '%s': %v", om.mappingFilePath, err)
		}
		om.mappingFile = nil
	}
}

// writeSummaryYAML writes the crawl summary next to the mirrored hosts
func (om *OutputManager) writeSummaryYAML(meta models.CrawlMetadata, cfg config.CrawlConfig) error {
	yamlFilePath := filepath.Join(om.outputDir, SummaryFilename)
	om.log.Infof("Preparing to write crawl summary to: %s", yamlFilePath)

	var settings map[string]interface{}
	cfgBytes, errCfgMarshal := yaml.Marshal(cfg)
	if errCfgMarshal != nil {
		om.log.Warnf("Could not marshal crawl settings for YAML summary: %v", errCfgMarshal)
	} else if errCfgUnmarshal := yaml.Unmarshal(cfgBytes, &settings); errCfgUnmarshal != nil {
		om.log.Warnf("Could not unmarshal crawl settings into map for YAML summary: %v", errCfgUnmarshal)
		settings = nil
	}

	meta.Session = om.session
	meta.OutputDir = om.outputDir
	meta.CrawlStartTime = om.crawlStartTime
	meta.CrawlEndTime = time.Now()
	meta.CrawlSettings = settings
	meta.ErrorCategories = om.ErrorCategories()
	meta.Unchanged = om.Unchanged()

	yamlData, errMarshal := yaml.Marshal(&meta)
	if errMarshal != nil {
		return fmt.Errorf("failed to marshal crawl summary to YAML: %w", errMarshal)
	}
	if errWrite := os.WriteFile(yamlFilePath, yamlData, 0644); errWrite != nil {
		return fmt.Errorf("%w: write summary '%s': %w", utils.ErrFilesystem, yamlFilePath, errWrite)
	}

	om.log.Infof("Successfully wrote crawl summary (%d downloaded, %d failed) to %s", meta.Downloaded, meta.Failed, yamlFilePath)
	return nil
}
