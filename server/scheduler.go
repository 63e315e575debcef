package main

import (
	"fmt"
	"time"

	"github.com/gammadia/ehos/config"
	"github.com/gammadia/ehos/metrics"
	"github.com/gammadia/ehos/provisioner"
	"github.com/gammadia/ehos/queue"
	schedulerpkg "github.com/gammadia/ehos/scheduler"
	"github.com/gammadia/ehos/server/flags"
	"github.com/gammadia/ehos/server/log"
	"github.com/spf13/viper"
)

var scheduler *schedulerpkg.Scheduler

func createScheduler(file *config.File, q *queue.Redis, m *metrics.Metrics) error {
	config := schedulerpkg.Config{
		Logger:        log.Component("scheduler"),
		Reload:        config.Reloader(viper.GetString(flags.Config)),
		OnEvent:       eventHandler(q, m),
		NodePrefix:    viper.GetString(flags.NodePrefix),
		FallbackSleep: time.Minute,
	}
	if err := schedulerpkg.Validate(config); err != nil {
		return fmt.Errorf("invalid scheduler config: %w", err)
	}

	provisioners, err := provisioner.ConnectAll(ctx, file, log.Component("provisioner"))
	if err != nil {
		return err
	}

	scheduler = schedulerpkg.New(q, config)
	for _, name := range file.CloudNames() {
		if err := scheduler.AddCloud(name, provisioners[name]); err != nil {
			scheduler.Shutdown()
			return fmt.Errorf("unable to add cloud '%s': %w", name, err)
		}
	}

	return nil
}

// eventHandler records every event in the metrics and forgets the workers of deleted nodes.
func eventHandler(q *queue.Redis, m *metrics.Metrics) func(schedulerpkg.Event) {
	logger := log.Component("queue")

	return func(event schedulerpkg.Event) {
		m.Handle(event)

		if deleted, ok := event.(schedulerpkg.EventNodeDeleted); ok {
			if err := q.RemoveWorker(ctx, deleted.Name); err != nil {
				logger.Warn("Failed to remove worker of deleted node", "name", deleted.Name, "error", err)
			}
		}
	}
}
