// Package kafka implements the broker contracts on Apache Kafka.
//
// Two publish drivers exist: SaramaPublisher (IBM/sarama SyncProducer)
// and Producer (segmentio/kafka-go Writer). Both wait for all in-sync
// replicas before reporting success. Consumer is a kafka-go consumer
// group reader that commits only after the handler succeeded.
package kafka
