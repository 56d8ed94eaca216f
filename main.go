package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/btlinux/gattd/bluetooth"
	"github.com/btlinux/gattd/server"
	"github.com/btlinux/gattd/utils"
)

func connectBus(which string) (*dbus.Conn, error) {
	if which == "session" {
		return dbus.ConnectSessionBus()
	}
	return dbus.ConnectSystemBus()
}

func main() {
	busFlag := flag.String("bus", "system", "bus to attach to (system or session)")
	monitorAddr := flag.String("monitor", "127.0.0.1:8080", "monitor listen address")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("subsystem", "main")

	conn, err := connectBus(*busFlag)
	if err != nil {
		log.WithError(err).Fatal("could not connect to D-Bus")
	}
	defer conn.Close()

	reply, err := conn.RequestName(server.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		log.WithError(err).Fatal("could not request bus name")
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		log.WithField("name", server.BusName).Fatal("bus name already taken")
	}

	hub := utils.NewMonitorHub()
	provider := bluetooth.NewSimProvider()

	exporter, err := server.NewExporter(conn, provider, hub)
	if err != nil {
		log.WithError(err).Fatal("could not start disconnect watcher")
	}
	if err := exporter.Export(conn); err != nil {
		log.WithError(err).Fatal("could not export gatt interface")
	}
	log.WithFields(logrus.Fields{
		"name":   server.BusName,
		"object": server.ObjectPath,
	}).Info("gatt projection exported")

	monitor := server.NewMonitor(*monitorAddr, hub, provider)
	monitor.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	exporter.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := monitor.Shutdown(ctx); err != nil {
		log.WithError(err).Error("monitor shutdown failed")
	}
}
