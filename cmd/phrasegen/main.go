// Command phrasegen writes a synthetic phrase corpus for phraseweight, to a
// newline-delimited file or to a Kafka topic.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/segmentio/kafka-go"
	"github.com/urfave/cli/v2"

	"pkg.jsn.cam/phraseweight/cmd/phrasegen/generator"
)

const kafkaBatch = 1000

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	defaults := generator.DefaultParams()

	app := &cli.App{
		Name:  "phrasegen",
		Usage: "generate a phrase corpus (generators: " + strings.Join(generator.List(), ", ") + ")",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "generator", Aliases: []string{"g"}, Value: "zipf", Usage: "generator name"},
			&cli.Int64Flag{Name: "count", Aliases: []string{"n"}, Usage: "occurrences to generate (default: the generator's)"},
			&cli.IntFlag{Name: "vocabulary", Value: defaults.Vocabulary, Usage: "distinct phrases to draw from"},
			&cli.Float64Flag{Name: "skew", Value: defaults.Skew, Usage: "Zipf exponent, must be above 1"},
			&cli.Float64Flag{Name: "empty-rate", Value: defaults.EmptyRate, Usage: "share of empty occurrences from the noisy generator"},
			&cli.Uint64Flag{Name: "seed", Usage: "random seed (default: time based)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Value: "var/phrases.txt", Usage: "output file"},
			&cli.StringSliceFlag{Name: "kafka-brokers", Usage: "publish to Kafka instead of writing a file"},
			&cli.StringFlag{Name: "topic", Value: "phrases", Usage: "Kafka topic"},
		},
		Action: generate,
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func generate(c *cli.Context) error {
	gen, err := generator.Get(c.String("generator"), generator.Params{
		Vocabulary: c.Int("vocabulary"),
		Skew:       c.Float64("skew"),
		EmptyRate:  c.Float64("empty-rate"),
	})
	if err != nil {
		return cli.Exit(err, 1)
	}

	seed := c.Uint64("seed")
	if !c.IsSet("seed") {
		seed = uint64(time.Now().UnixNano())
	}
	gen.Init(rand.New(rand.NewPCG(seed, seed>>1)))

	count := c.Int64("count")
	if count <= 0 {
		count = gen.DefaultCount()
	}

	fmt.Fprintf(c.App.ErrWriter, "%s: %s\n", c.String("generator"), gen.Description())
	bar := progressbar.Default(count, "generating")

	if brokers := c.StringSlice("kafka-brokers"); len(brokers) > 0 {
		err = publish(c.Context, brokers, c.String("topic"), gen, count, bar)
	} else {
		err = writeFile(c.Context, c.String("output"), gen, count, bar)
	}
	if err != nil {
		return cli.Exit(err, 1)
	}

	return bar.Finish()
}

func writeFile(ctx context.Context, path string, gen generator.Generator, count int64, bar *progressbar.ProgressBar) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := bufio.NewWriterSize(file, 1<<20)
	if err := writeLines(ctx, w, gen, count, bar); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return file.Close()
}

func writeLines(ctx context.Context, w io.Writer, gen generator.Generator, count int64, bar *progressbar.ProgressBar) error {
	for i := int64(0); i < count; i++ {
		if i%10000 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, err := io.WriteString(w, gen.Phrase()+"\n"); err != nil {
			return err
		}
		bar.Add(1)
	}
	return nil
}

func publish(ctx context.Context, brokers []string, topic string, gen generator.Generator, count int64, bar *progressbar.ProgressBar) error {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    kafkaBatch,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
	}
	defer w.Close()

	batch := make([]kafka.Message, 0, kafkaBatch)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := w.WriteMessages(ctx, batch...); err != nil {
			return fmt.Errorf("publishing to kafka: %w", err)
		}
		bar.Add(len(batch))
		batch = batch[:0]
		return nil
	}

	for i := int64(0); i < count; i++ {
		phrase := gen.Phrase()
		value, err := json.Marshal(struct {
			Phrase string `json:"phrase"`
		}{phrase})
		if err != nil {
			return err
		}

		batch = append(batch, kafka.Message{Key: []byte(phrase), Value: value})
		if len(batch) == kafkaBatch {
			if err := flush(); err != nil {
				return err
			}
		}
	}

	return flush()
}
