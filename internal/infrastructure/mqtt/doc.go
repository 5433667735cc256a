// Package mqtt connects the appservices daemon to an MQTT broker.
//
// The daemon publishes a retained online/offline status (with a Last Will
// for crashes), the summary and telemetry of every sync run, and listens for
// commands that start or interrupt a run:
//
//	appservices/system/status       retained, online | offline
//	appservices/sync/status         retained, last run summary
//	appservices/sync/telemetry      full run telemetry
//	appservices/command/sync        start a run
//	appservices/command/interrupt   interrupt the running sync
//
// Subscriptions are tracked and restored after a reconnect. Handlers run on
// paho's goroutines; a panicking handler is recovered and logged.
//
// # Usage
//
//	client, err := mqtt.Connect(ctx, cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.SetLogger(logger.With("component", "mqtt"))
//
//	err = client.Subscribe(mqtt.Topics{}.AllCommands(), 1, manager.HandleCommand)
package mqtt
